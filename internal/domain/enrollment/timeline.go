package enrollment

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kuribo50/Percapita2/pkg/rut"
)

// BuildTimeline reports, for every period with at least one cut row, how the
// identifier appeared in it. Entries are ordered most recent first.
func (s *Service) BuildTimeline(ctx context.Context, identifier string) ([]PeriodEvent, error) {
	start := time.Now()
	defer s.observe("timeline", start)

	run := rut.Normalize(identifier)
	if run == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	var (
		periods []Period
		recs    []*SnapshotRecord
		regs    []*Registration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		periods, err = s.snapshots.Periods(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		recs, err = s.snapshots.FindByRUN(gctx, run)
		return err
	})
	g.Go(func() error {
		var err error
		regs, err = s.registrations.FindByRUN(gctx, run)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("timeline for %s: %w", run, err)
	}

	byPeriod := make(map[Period][]*SnapshotRecord)
	for _, rec := range recs {
		byPeriod[rec.Period] = append(byPeriod[rec.Period], rec)
	}
	regByPeriod := make(map[Period]*Registration)
	for _, reg := range regs {
		if _, ok := regByPeriod[reg.Period]; !ok {
			regByPeriod[reg.Period] = reg
		}
	}

	events := make([]PeriodEvent, 0, len(periods))
	for _, p := range periods {
		ev := PeriodEvent{Period: p, Label: p.Label(), State: EventAbsent}
		if matches := byPeriod[p]; len(matches) > 0 {
			rec := s.taxonomy.pickRecords(matches)[run]
			ev.State = EventValidated
			if s.taxonomy.IsNonValidatingReason(rec.Reason) {
				ev.State = EventRejected
			}
			d := rec.SnapshotDate
			ev.SnapshotDate = &d
			ev.FirstNames = rec.FirstNames
			ev.PaternalSurname = rec.PaternalSurname
			ev.MaternalSurname = rec.MaternalSurname
			ev.BirthDate = rec.BirthDate
			ev.Gender = rec.Gender
			ev.Decision = rec.Decision
			ev.Reason = rec.Reason
			ev.OriginCenter = rec.OriginCenter
			ev.OriginCommune = rec.OriginCommune
			ev.CurrentCenter = rec.CurrentCenter
			ev.CurrentCommune = rec.CurrentCommune
		} else if reg, ok := regByPeriod[p]; ok {
			ev.State = EventRegistered
			ev.Registration = &RegistrationInfo{
				ID:               reg.ID,
				RegistrationDate: reg.RegistrationDate,
				State:            reg.State,
				Facility:         reg.Facility,
				Sector:           reg.Sector,
				Notes:            reg.Notes,
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
