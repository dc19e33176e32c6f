package enrollment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/Kuribo50/Percapita2/internal/platform/blobstore"
)

const (
	defaultAuditActor = "Anónimo"
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func successRate(total, created, updated int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(created+updated) / float64(total)
}

// outcomeFor is ERROR when nothing was stored or the load failed, PARCIAL
// when some rows were rejected, EXITOSO otherwise.
func outcomeFor(sum IngestionSummary) Outcome {
	switch {
	case sum.Failure != "" || sum.Created+sum.Updated == 0:
		return OutcomeError
	case sum.Invalid > 0:
		return OutcomePartial
	}
	return OutcomeSuccess
}

// RecordIngestionAudit appends one row to the load history.
func (s *Service) RecordIngestionAudit(ctx context.Context, sum IngestionSummary) (*IngestionRecord, error) {
	if !sum.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown ingestion kind %q", ErrInvalidInput, sum.Kind)
	}
	if sum.Total < 0 || sum.Created < 0 || sum.Updated < 0 || sum.Invalid < 0 {
		return nil, fmt.Errorf("%w: row counts must not be negative", ErrInvalidInput)
	}

	actor := strings.TrimSpace(sum.Actor)
	if actor == "" {
		actor = defaultAuditActor
	}
	notes := sum.Notes
	if sum.Failure != "" {
		notes = strings.TrimSpace(notes + " " + "error: " + sum.Failure)
	}

	rec := &IngestionRecord{
		Kind:         sum.Kind,
		FileName:     sum.FileName,
		Actor:        actor,
		LoadedAt:     s.now(),
		Period:       sum.Period,
		SnapshotDate: sum.SnapshotDate,
		Total:        sum.Total,
		Created:      sum.Created,
		Updated:      sum.Updated,
		Invalid:      sum.Invalid,
		Outcome:      outcomeFor(sum),
		ReplaceMode:  sum.ReplaceMode,
		Notes:        notes,
		SuccessRate:  successRate(sum.Total, sum.Created, sum.Updated),
	}
	if sum.Duration > 0 {
		secs := sum.Duration.Seconds()
		rec.DurationSeconds = &secs
	}
	if sum.ClientIP != "" {
		ip := sum.ClientIP
		rec.ClientIP = &ip
	}
	if sum.ArchiveKey != "" {
		key := sum.ArchiveKey
		rec.ArchiveKey = &key
	}

	if err := s.audits.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record ingestion audit: %w", err)
	}
	s.metrics.IncIngestion(string(rec.Kind), string(rec.Outcome))
	return rec, nil
}

// ListIngestions returns the load history, newest first. Cut loads carry the
// verdict counts of their period.
func (s *Service) ListIngestions(ctx context.Context, filter IngestionFilter) ([]*IngestionRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	recs, err := s.audits.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list ingestions: %w", err)
	}

	hasCut := false
	for _, rec := range recs {
		if rec.Kind == KindCut {
			hasCut = true
			break
		}
	}
	if !hasCut {
		return recs, nil
	}

	summaries, err := s.PeriodSummaries(ctx, SummaryFilter{})
	if err != nil {
		s.logger.Warn().Err(err).Msg("ingestion history without period stats")
		return recs, nil
	}
	byPeriod := make(map[Period]PeriodSummary, len(summaries))
	for _, sum := range summaries {
		byPeriod[sum.Period] = sum
	}
	for _, rec := range recs {
		if rec.Kind != KindCut {
			continue
		}
		var p Period
		switch {
		case rec.SnapshotDate != nil:
			p = PeriodOf(*rec.SnapshotDate)
		case rec.Period != nil:
			p = *rec.Period
		default:
			continue
		}
		if sum, ok := byPeriod[p]; ok {
			sum := sum
			rec.PeriodStats = &sum
		}
	}
	return recs, nil
}

// IngestionPayload opens the archived payload of one load. The caller closes
// the reader.
func (s *Service) IngestionPayload(ctx context.Context, id uuid.UUID) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	rec, err := s.audits.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.ArchiveKey == nil || *rec.ArchiveKey == "" || s.archive == nil {
		return nil, nil, fmt.Errorf("%w: no archived payload for ingestion %s", ErrNotFound, id)
	}
	body, meta, err := s.archive.Download(ctx, *rec.ArchiveKey)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, fmt.Errorf("%w: archived payload %s", ErrNotFound, *rec.ArchiveKey)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("download payload: %w", err)
	}
	return body, meta, nil
}
