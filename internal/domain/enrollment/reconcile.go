package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kuribo50/Percapita2/pkg/rut"
)

// pickRecords keeps one record per run. Records arrive in insertion order;
// the first validating record wins, otherwise the first record.
func (t *Taxonomy) pickRecords(recs []*SnapshotRecord) map[string]*SnapshotRecord {
	picked := make(map[string]*SnapshotRecord, len(recs))
	for _, rec := range recs {
		cur, ok := picked[rec.RUN]
		if !ok || (!t.isValidating(cur) && t.isValidating(rec)) {
			picked[rec.RUN] = rec
		}
	}
	return picked
}

// ReconcileBatch classifies every registration of target against the cut
// rows loaded at snapshotDate and records the run as a ValidationBatch.
// Running it again for the same (period, date) recomputes the same batch.
func (s *Service) ReconcileBatch(ctx context.Context, target Period, snapshotDate time.Time, actor string) (*ValidationBatch, error) {
	start := time.Now()
	defer s.observe("reconcile_batch", start)

	snapshotDate = dateOnly(snapshotDate)
	var batch *ValidationBatch
	var tally map[RegistrationState]int

	err := s.inTx(ctx, func(ctx context.Context) error {
		regs, err := s.registrations.ListByPeriod(ctx, target, "")
		if err != nil {
			return err
		}
		if len(regs) == 0 {
			return fmt.Errorf("%w: no registrations for period %s", ErrPreconditionNotMet, target)
		}
		n, err := s.snapshots.CountAt(ctx, snapshotDate)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: no cut rows loaded at %s", ErrPreconditionNotMet, snapshotDate.Format("2006-01-02"))
		}

		b := &ValidationBatch{
			Period:       target,
			SnapshotDate: snapshotDate,
			ProcessedAt:  s.now(),
			ProcessedBy:  actor,
		}
		if err := s.batches.Upsert(ctx, b); err != nil {
			return err
		}

		updates, t, err := s.classifyAgainstDate(ctx, regs, snapshotDate, &b.ID)
		if err != nil {
			return err
		}
		if _, err := s.registrations.UpdateStates(ctx, updates); err != nil {
			return err
		}
		tally = t

		stats, err := s.registrations.Stats(ctx, RegistrationFilter{Period: &target})
		if err != nil {
			return err
		}
		b.Total = stats.Total
		b.Validated = stats.Validated
		b.NotValidated = stats.NotValidated
		b.Deceased = stats.Deceased
		b.Pending = stats.Pending
		b.Notes = fmt.Sprintf("cut %s applied to %d registrations", snapshotDate.Format("2006-01-02"), len(regs))
		if err := s.batches.Upsert(ctx, b); err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s against %s: %w", target, snapshotDate.Format("2006-01-02"), err)
	}

	for state, n := range tally {
		s.metrics.AddReconciled("batch", string(state), n)
	}
	s.logger.Info().
		Str("period", target.String()).
		Str("snapshot_date", snapshotDate.Format("2006-01-02")).
		Int("total", batch.Total).
		Int("validated", batch.Validated).
		Int("not_validated", batch.NotValidated).
		Int("deceased", batch.Deceased).
		Str("actor", actor).
		Msg("validation batch processed")
	return batch, nil
}

// reconcileAfterIngest re-checks the PENDIENTE registrations of the period
// before the latest cut. It is a no-op when nothing is pending.
func (s *Service) reconcileAfterIngest(ctx context.Context, actor string) (*AutoReconcileResult, error) {
	start := time.Now()
	defer s.observe("reconcile_auto", start)

	var res *AutoReconcileResult
	var tally map[RegistrationState]int
	err := s.inTx(ctx, func(ctx context.Context) error {
		latest, err := s.snapshots.LatestSnapshotDate(ctx)
		if err != nil || latest == nil {
			return err
		}
		target := PeriodOf(*latest).Prev()
		regs, err := s.registrations.ListByPeriod(ctx, target, StatePending)
		if err != nil || len(regs) == 0 {
			return err
		}

		updates, t, err := s.classifyAgainstDate(ctx, regs, *latest, nil)
		if err != nil {
			return err
		}
		if _, err := s.registrations.UpdateStates(ctx, updates); err != nil {
			return err
		}
		tally = t
		res = &AutoReconcileResult{
			Period:       target,
			SnapshotDate: *latest,
			Processed:    len(regs),
			Validated:    t[StateValidated],
			NotValidated: t[StateNotValidated],
			Deceased:     t[StateDeceased],
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		for state, n := range tally {
			s.metrics.AddReconciled("auto", string(state), n)
		}
		s.logger.Info().
			Str("period", res.Period.String()).
			Str("snapshot_date", res.SnapshotDate.Format("2006-01-02")).
			Int("processed", res.Processed).
			Int("validated", res.Validated).
			Str("actor", actor).
			Msg("pending registrations reconciled after cut load")
	}
	return res, nil
}

// classifyAgainstDate computes the state of each registration against the
// cut rows of one snapshot date: registry death, then absence, then a
// deceased reason, then the taxonomy verdict.
func (s *Service) classifyAgainstDate(ctx context.Context, regs []*Registration, date time.Time, batchID *uuid.UUID) ([]StateUpdate, map[RegistrationState]int, error) {
	runs := uniqueRUNs(regs)

	recs, err := s.snapshots.FindByRUNsAt(ctx, runs, date)
	if err != nil {
		return nil, nil, err
	}
	byRUN := s.taxonomy.pickRecords(recs)

	patients, err := s.patients.FindByRUNs(ctx, runs)
	if err != nil {
		return nil, nil, err
	}
	deceased := make(map[string]bool)
	for _, p := range patients {
		if p.Deceased() {
			deceased[p.RUN] = true
		}
	}

	gaps := gapTracker{}
	tally := make(map[RegistrationState]int)
	updates := make([]StateUpdate, 0, len(regs))
	for _, reg := range regs {
		var state RegistrationState
		rec := byRUN[reg.RUN]
		switch {
		case deceased[reg.RUN]:
			state = StateDeceased
		case rec == nil:
			state = StateNotValidated
		case s.taxonomy.MentionsDeceased("", rec.Reason):
			state = StateDeceased
		default:
			cls := s.taxonomy.Classify(rec.Decision, rec.Reason)
			gaps.note(cls, rec.ReasonNormalized)
			state = stateFor(cls.Verdict)
		}
		tally[state]++
		updates = append(updates, StateUpdate{ID: reg.ID, State: state, BatchID: batchID})
	}
	s.flushGaps("reconcile", gaps)
	return updates, tally, nil
}

func stateFor(v Verdict) RegistrationState {
	if v == VerdictValidated {
		return StateValidated
	}
	return StateNotValidated
}

// ReconcileMany re-checks the given registrations against the most recent
// cut period with one lookup and writes only the states that changed.
// Registrations dated after that period stay PENDIENTE. Unknown ids are
// skipped.
func (s *Service) ReconcileMany(ctx context.Context, candidates []Candidate) ([]CandidateResult, error) {
	start := time.Now()
	defer s.observe("reconcile_many", start)

	if len(candidates) == 0 {
		return []CandidateResult{}, nil
	}

	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	var results []CandidateResult
	err := s.inTx(ctx, func(ctx context.Context) error {
		latest, err := s.snapshots.LatestSnapshotDate(ctx)
		if err != nil {
			return err
		}
		stored, err := s.registrations.GetByIDs(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*Registration, len(stored))
		for _, reg := range stored {
			byID[reg.ID] = reg
		}

		type item struct {
			reg    *Registration
			run    string
			period Period
		}
		items := make([]item, 0, len(candidates))
		var runs []string
		seenRUN := make(map[string]bool)
		var latestPeriod Period
		if latest != nil {
			latestPeriod = PeriodOf(*latest)
		}

		for _, c := range candidates {
			reg, ok := byID[c.ID]
			if !ok {
				s.logger.Warn().Str("registration_id", c.ID.String()).Msg("validation candidate not found, skipped")
				continue
			}
			run := rut.Normalize(c.RUN)
			if run == "" {
				run = reg.RUN
			}
			regDate := reg.RegistrationDate
			if d, ok := parseDate(c.RegistrationDate); ok {
				regDate = d
			}
			it := item{reg: reg, run: run, period: PeriodOf(regDate)}
			items = append(items, it)
			if latest != nil && !it.period.After(latestPeriod) && !seenRUN[run] {
				seenRUN[run] = true
				runs = append(runs, run)
			}
		}

		var byRUN map[string]*SnapshotRecord
		if latest != nil {
			recs, err := s.snapshots.FindByRUNsInPeriod(ctx, runs, latestPeriod)
			if err != nil {
				return err
			}
			byRUN = s.taxonomy.pickRecords(recs)
		}

		gaps := gapTracker{}
		var updates []StateUpdate
		results = make([]CandidateResult, 0, len(items))
		for _, it := range items {
			res := CandidateResult{ID: it.reg.ID, RUN: it.run, PreviousState: it.reg.State}
			switch {
			case latest == nil || it.period.After(latestPeriod):
				res.State = StatePending
			default:
				if rec := byRUN[it.run]; rec != nil {
					res.MatchedSnapshot = true
					res.State = s.fastState(rec, gaps)
					p, d := rec.Period, rec.SnapshotDate
					res.SnapshotPeriod, res.SnapshotDate = &p, &d
					res.Decision, res.Reason = rec.Decision, rec.Reason
				} else {
					res.State = StateNotValidated
				}
			}
			if res.State != it.reg.State {
				res.Changed = true
				updates = append(updates, StateUpdate{ID: it.reg.ID, State: res.State})
			}
			results = append(results, res)
		}
		s.flushGaps("reconcile_many", gaps)

		_, err = s.registrations.UpdateStates(ctx, updates)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile candidates: %w", err)
	}

	changed := 0
	for _, r := range results {
		s.metrics.AddReconciled("fast", string(r.State), 1)
		if r.Changed {
			changed++
		}
	}
	s.logger.Info().
		Int("candidates", len(candidates)).
		Int("checked", len(results)).
		Int("changed", changed).
		Msg("registrations re-checked against latest cut")
	return results, nil
}

// fastState orders the checks as deceased, rejected decision, accepted or
// maintained decision, then reason set membership.
func (s *Service) fastState(rec *SnapshotRecord, gaps gapTracker) RegistrationState {
	t := s.taxonomy
	switch {
	case t.MentionsDeceased(rec.Decision, rec.Reason):
		return StateDeceased
	case t.DecisionRejects(rec.Decision):
		return StateNotValidated
	case t.DecisionAccepts(rec.Decision):
		return StateValidated
	case t.IsNonValidatingReason(rec.Reason):
		return StateNotValidated
	}
	gaps.note(t.Classify("", rec.Reason), rec.ReasonNormalized)
	return StateValidated
}

// ListBatches returns validation batches, most recent first.
func (s *Service) ListBatches(ctx context.Context, limit, offset int) ([]*ValidationBatch, int, error) {
	return s.batches.List(ctx, limit, offset)
}

func uniqueRUNs(regs []*Registration) []string {
	seen := make(map[string]bool, len(regs))
	runs := make([]string, 0, len(regs))
	for _, r := range regs {
		if !seen[r.RUN] {
			seen[r.RUN] = true
			runs = append(runs, r.RUN)
		}
	}
	return runs
}
