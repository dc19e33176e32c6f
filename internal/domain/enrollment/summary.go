package enrollment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryFilter narrows the period summaries. Zero values mean no filter.
type SummaryFilter struct {
	Year   int    `json:"year,omitempty"`
	Center string `json:"center,omitempty"`
}

// PeriodSummary counts the cut rows of one period by verdict.
type PeriodSummary struct {
	Period         Period    `json:"period"`
	Label          string    `json:"label"`
	Total          int       `json:"total"`
	Validated      int       `json:"validated"`
	NotValidated   int       `json:"not_validated"`
	LatestSnapshot time.Time `json:"latest_snapshot"`
}

// SummaryKey derives the cache key of a summary request. Any ingestion that
// adds or removes cut rows changes the fingerprint and therefore the key.
func SummaryKey(fp Fingerprint, f SummaryFilter) string {
	h := sha256.New()
	if fp.MaxSnapshotDate != nil {
		fmt.Fprintf(h, "%s|", fp.MaxSnapshotDate.Format("2006-01-02"))
	} else {
		h.Write([]byte("-|"))
	}
	fmt.Fprintf(h, "%d|%d|%d|%s", fp.MaxID, fp.Count, f.Year, strings.ToUpper(strings.TrimSpace(f.Center)))
	return "summary:" + hex.EncodeToString(h.Sum(nil))
}

// PeriodSummaries returns per-period counts, most recent period first. The
// result is cached under SummaryKey; cache failures only cost a recompute.
func (s *Service) PeriodSummaries(ctx context.Context, filter SummaryFilter) ([]PeriodSummary, error) {
	start := time.Now()
	defer s.observe("period_summaries", start)

	fp, err := s.snapshots.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("period summaries: %w", err)
	}
	key := SummaryKey(fp, filter)

	raw, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.metrics.IncSummaryCache("error")
		s.logger.Warn().Err(err).Str("key", key).Msg("summary cache read failed")
	case ok:
		var cached []PeriodSummary
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			s.metrics.IncSummaryCache("hit")
			return cached, nil
		}
		s.metrics.IncSummaryCache("error")
		s.logger.Warn().Str("key", key).Msg("summary cache entry unreadable, recomputing")
	default:
		s.metrics.IncSummaryCache("miss")
	}

	counts, err := s.snapshots.ReasonCounts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("period summaries: %w", err)
	}
	out := s.summarize(counts)

	if body, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, key, body, s.cacheTTL); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("summary cache write failed")
		}
	}
	return out, nil
}

func (s *Service) summarize(counts []ReasonCount) []PeriodSummary {
	byPeriod := make(map[Period]*PeriodSummary)
	gaps := gapTracker{}
	for _, rc := range counts {
		sum, ok := byPeriod[rc.Period]
		if !ok {
			sum = &PeriodSummary{Period: rc.Period, Label: rc.Period.Label()}
			byPeriod[rc.Period] = sum
		}
		cls := s.taxonomy.Classify(rc.Decision, rc.ReasonNormalized)
		if cls.Gap {
			gaps[rc.ReasonNormalized] += rc.Count
		}
		sum.Total += rc.Count
		if cls.Verdict == VerdictValidated {
			sum.Validated += rc.Count
		} else {
			sum.NotValidated += rc.Count
		}
		if rc.LatestSnapshot.After(sum.LatestSnapshot) {
			sum.LatestSnapshot = rc.LatestSnapshot
		}
	}
	s.flushGaps("period_summaries", gaps)

	out := make([]PeriodSummary, 0, len(byPeriod))
	for _, sum := range byPeriod {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.After(out[j].Period) })
	return out
}
