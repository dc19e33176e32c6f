package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Kuribo50/Percapita2/internal/platform/blobstore"
	"github.com/Kuribo50/Percapita2/pkg/rut"
	"github.com/Kuribo50/Percapita2/pkg/textnorm"
)

// IngestSnapshot loads one monthly cut. Invalid rows are reported and
// skipped. Every remaining row is inserted as a new record, validating rows
// first, so duplicate identifiers within a period are kept. In replace mode
// the touched periods are cleared inside the same transaction.
//
// After a successful load the pending registrations of the period before the
// latest cut are reconciled. The returned outcome carries the audit row even
// when err is non-nil.
func (s *Service) IngestSnapshot(ctx context.Context, rows []SnapshotRow, opts IngestOptions) (*IngestionOutcome, error) {
	start := time.Now()
	defer s.observe("ingest_snapshot", start)

	out := &IngestionOutcome{Kind: KindCut, Total: len(rows), Replaced: opts.Replace}
	recs, invalid := s.prepareSnapshots(rows)
	out.Invalid = invalid
	out.Periods = periodsOf(recs)

	archiveKey := s.archivePayload(ctx, KindCut, opts, rows, out)

	var err error
	if len(recs) > 0 {
		err = s.inTx(ctx, func(ctx context.Context) error {
			if err := s.lockPeriods(ctx, out.Periods); err != nil {
				return err
			}
			if opts.Replace {
				for _, p := range out.Periods {
					n, err := s.snapshots.DeletePeriod(ctx, p)
					if err != nil {
						return err
					}
					out.Deleted += n
				}
			}
			n, err := s.snapshots.Insert(ctx, recs)
			if err != nil {
				return err
			}
			out.Created = n
			return nil
		})
		if err != nil {
			out.Created, out.Deleted = 0, 0
		}
	}

	summary := IngestionSummary{
		Kind:         KindCut,
		FileName:     opts.FileName,
		Actor:        opts.Actor,
		Period:       latestPeriod(out.Periods),
		SnapshotDate: latestSnapshotDate(recs),
		Total:        out.Total,
		Created:      out.Created,
		Invalid:      len(out.Invalid),
		ReplaceMode:  opts.Replace,
		Duration:     time.Since(start),
		ClientIP:     opts.ClientIP,
		ArchiveKey:   archiveKey,
	}
	if opts.Replace && out.Deleted > 0 {
		summary.Notes = fmt.Sprintf("replaced %d previous rows", out.Deleted)
	}
	if err != nil {
		summary.Failure = err.Error()
	}
	s.finishIngestion(ctx, out, summary)

	log := s.logger.Info()
	if err != nil {
		log = s.logger.Error().Err(err)
	}
	log.Str("kind", string(KindCut)).
		Int("total", out.Total).
		Int("created", out.Created).
		Int("deleted", out.Deleted).
		Int("invalid", len(out.Invalid)).
		Bool("replace", opts.Replace).
		Msg("cut ingestion finished")

	if err != nil {
		return out, fmt.Errorf("ingest cut: %w", err)
	}

	if s.autoReconcile && out.Created > 0 {
		res, aerr := s.reconcileAfterIngest(ctx, opts.Actor)
		if aerr != nil {
			s.logger.Warn().Err(aerr).Msg("automatic reconciliation failed")
			out.Warnings = append(out.Warnings, "automatic reconciliation failed: "+aerr.Error())
		}
		out.AutoReconcile = res
	}
	return out, nil
}

// snapshotItem pairs a prepared record with its sort key.
type snapshotItem struct {
	rec     *SnapshotRecord
	rejects bool
}

func (s *Service) prepareSnapshots(rows []SnapshotRow) ([]*SnapshotRecord, []RowError) {
	now := s.now()
	gaps := gapTracker{}
	var badCheckDigits int
	var invalid []RowError
	items := make([]snapshotItem, 0, len(rows))

	for i, row := range rows {
		run, reason := normalizeRUN(row.RUN)
		if reason != "" {
			invalid = append(invalid, RowError{Index: i, RUN: row.RUN, Reason: reason})
			continue
		}
		date, ok := parseDate(row.SnapshotDate)
		if !ok {
			invalid = append(invalid, RowError{Index: i, RUN: run, Reason: fmt.Sprintf("unparseable snapshot date %q", row.SnapshotDate)})
			continue
		}
		if !rut.Valid(run) {
			badCheckDigits++
		}

		rec := &SnapshotRecord{
			RUN:              run,
			FirstNames:       strings.TrimSpace(row.FirstNames),
			PaternalSurname:  strings.TrimSpace(row.PaternalSurname),
			MaternalSurname:  strings.TrimSpace(row.MaternalSurname),
			BirthDate:        optionalDate(row.BirthDate),
			Gender:           strings.TrimSpace(row.Gender),
			GenderCode:       strings.TrimSpace(row.GenderCode),
			Tier:             strings.TrimSpace(row.Tier),
			SnapshotDate:     date,
			Period:           PeriodOf(date),
			CenterName:       strings.TrimSpace(row.CenterName),
			OriginCenter:     strings.TrimSpace(row.OriginCenter),
			OriginCommune:    strings.TrimSpace(row.OriginCommune),
			CurrentCenter:    strings.TrimSpace(row.CurrentCenter),
			CurrentCommune:   strings.TrimSpace(row.CurrentCommune),
			Decision:         strings.TrimSpace(row.Decision),
			Reason:           strings.TrimSpace(row.Reason),
			ReasonNormalized: textnorm.Normalize(row.Reason),
			CreatedAt:        now,
		}
		cls := s.taxonomy.Classify(rec.Decision, rec.Reason)
		gaps.note(cls, rec.ReasonNormalized)
		items = append(items, snapshotItem{rec: rec, rejects: cls.Verdict != VerdictValidated})
	}

	sort.SliceStable(items, func(a, b int) bool {
		return !items[a].rejects && items[b].rejects
	})

	recs := make([]*SnapshotRecord, len(items))
	for i, it := range items {
		recs[i] = it.rec
	}

	if badCheckDigits > 0 {
		s.logger.Warn().Int("rows", badCheckDigits).Msg("cut rows with run check digit mismatch")
	}
	s.flushGaps("ingest_snapshot", gaps)
	return recs, invalid
}

// IngestRegistrations loads new-user intake rows. Rows upsert by (run,
// period); repeats inside one load collapse into a single row and count as
// updates. In replace mode matched registrations return to PENDIENTE.
func (s *Service) IngestRegistrations(ctx context.Context, rows []RegistrationRow, opts IngestOptions) (*IngestionOutcome, error) {
	start := time.Now()
	defer s.observe("ingest_registrations", start)

	out := &IngestionOutcome{Kind: KindRegistrations, Total: len(rows), Replaced: opts.Replace}
	regs, collapsed, invalid := prepareRegistrations(rows, opts.Actor)
	out.Invalid = invalid

	periodSet := make(map[Period]struct{})
	for _, reg := range regs {
		periodSet[reg.Period] = struct{}{}
	}
	for p := range periodSet {
		out.Periods = append(out.Periods, p)
	}
	sortPeriodsAsc(out.Periods)

	archiveKey := s.archivePayload(ctx, KindRegistrations, opts, rows, out)

	var err error
	if len(regs) > 0 {
		err = s.inTx(ctx, func(ctx context.Context) error {
			created, updated, err := s.registrations.Upsert(ctx, regs, opts.Replace)
			if err != nil {
				return err
			}
			out.Created, out.Updated = created, updated+collapsed
			return nil
		})
		if err != nil {
			out.Created, out.Updated = 0, 0
		}
	}

	summary := IngestionSummary{
		Kind:        KindRegistrations,
		FileName:    opts.FileName,
		Actor:       opts.Actor,
		Total:       out.Total,
		Created:     out.Created,
		Updated:     out.Updated,
		Invalid:     len(out.Invalid),
		ReplaceMode: opts.Replace,
		Duration:    time.Since(start),
		ClientIP:    opts.ClientIP,
		ArchiveKey:  archiveKey,
	}
	if len(out.Periods) == 1 {
		summary.Period = &out.Periods[0]
	}
	if err != nil {
		summary.Failure = err.Error()
	}
	s.finishIngestion(ctx, out, summary)

	s.logger.Info().
		Str("kind", string(KindRegistrations)).
		Int("total", out.Total).
		Int("created", out.Created).
		Int("updated", out.Updated).
		Int("invalid", len(out.Invalid)).
		Msg("registration ingestion finished")

	if err != nil {
		return out, fmt.Errorf("ingest registrations: %w", err)
	}
	return out, nil
}

// normalizeRUN canonicalizes an identifier cell and returns the rejection
// reason when the cell cannot be stored as one.
func normalizeRUN(raw string) (string, string) {
	run := rut.Normalize(raw)
	switch {
	case run == "":
		return "", "missing or unparseable run"
	case len(run) > rut.MaxLength:
		return "", "run too long"
	}
	return run, ""
}

func registrationFromRow(row RegistrationRow, actor string) (*Registration, error) {
	run, reason := normalizeRUN(row.RUN)
	if reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, reason)
	}
	date, ok := parseDate(row.RegistrationDate)
	if !ok {
		return nil, fmt.Errorf("%w: unparseable registration date %q", ErrInvalidInput, row.RegistrationDate)
	}
	period := PeriodOf(date)
	if strings.TrimSpace(row.Period) != "" {
		p, err := ParsePeriod(row.Period)
		if err != nil {
			return nil, err
		}
		period = p
	}
	name := strings.TrimSpace(row.FullName)
	if name == "" {
		name = run
	}
	return &Registration{
		RUN:              run,
		FullName:         name,
		RegistrationDate: date,
		Period:           period,
		Nationality:      strings.TrimSpace(row.Nationality),
		Ethnicity:        strings.TrimSpace(row.Ethnicity),
		Sector:           strings.TrimSpace(row.Sector),
		Subsector:        strings.TrimSpace(row.Subsector),
		PercapitaCode:    strings.TrimSpace(row.PercapitaCode),
		Facility:         strings.TrimSpace(row.Facility),
		Notes:            strings.TrimSpace(row.Notes),
		State:            StatePending,
		CreatedBy:        actor,
	}, nil
}

// prepareRegistrations validates rows and collapses repeats of (run,
// period); the last occurrence wins.
func prepareRegistrations(rows []RegistrationRow, actor string) ([]*Registration, int, []RowError) {
	type key struct {
		run    string
		period Period
	}
	var (
		regs      []*Registration
		invalid   []RowError
		collapsed int
		seen      = make(map[key]int)
	)
	for i, row := range rows {
		reg, err := registrationFromRow(row, actor)
		if err != nil {
			invalid = append(invalid, RowError{Index: i, RUN: row.RUN, Reason: strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": ")})
			continue
		}
		k := key{reg.RUN, reg.Period}
		if at, ok := seen[k]; ok {
			regs[at] = reg
			collapsed++
			continue
		}
		seen[k] = len(regs)
		regs = append(regs, reg)
	}
	return regs, collapsed, invalid
}

// IngestPatientRegistry loads the patient registry mirror. Rows upsert by
// (run, registry code). Replace mode clears the whole mirror first because it
// is not period scoped.
func (s *Service) IngestPatientRegistry(ctx context.Context, rows []PatientRow, opts IngestOptions) (*IngestionOutcome, error) {
	start := time.Now()
	defer s.observe("ingest_patients", start)

	out := &IngestionOutcome{Kind: KindPatientRegistry, Total: len(rows), Replaced: opts.Replace}
	recs, collapsed, invalid := preparePatients(rows)
	out.Invalid = invalid

	archiveKey := s.archivePayload(ctx, KindPatientRegistry, opts, rows, out)

	var err error
	if len(recs) > 0 || opts.Replace {
		err = s.inTx(ctx, func(ctx context.Context) error {
			ok, err := s.tx.TryLock(ctx, "patient_registry")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: patient registry is being loaded by another request", ErrConcurrencyConflict)
			}
			if opts.Replace {
				n, err := s.patients.DeleteAll(ctx)
				if err != nil {
					return err
				}
				out.Deleted = n
			}
			created, updated, err := s.patients.Upsert(ctx, recs)
			if err != nil {
				return err
			}
			out.Created, out.Updated = created, updated+collapsed
			return nil
		})
		if err != nil {
			out.Created, out.Updated, out.Deleted = 0, 0, 0
		}
	}

	summary := IngestionSummary{
		Kind:        KindPatientRegistry,
		FileName:    opts.FileName,
		Actor:       opts.Actor,
		Total:       out.Total,
		Created:     out.Created,
		Updated:     out.Updated,
		Invalid:     len(out.Invalid),
		ReplaceMode: opts.Replace,
		Duration:    time.Since(start),
		ClientIP:    opts.ClientIP,
		ArchiveKey:  archiveKey,
	}
	if err != nil {
		summary.Failure = err.Error()
	}
	s.finishIngestion(ctx, out, summary)

	s.logger.Info().
		Str("kind", string(KindPatientRegistry)).
		Int("total", out.Total).
		Int("created", out.Created).
		Int("updated", out.Updated).
		Int("deleted", out.Deleted).
		Int("invalid", len(out.Invalid)).
		Msg("patient registry ingestion finished")

	if err != nil {
		return out, fmt.Errorf("ingest patient registry: %w", err)
	}
	return out, nil
}

// preparePatients validates rows and collapses repeats of (run, registry
// code). The registry code falls back to the Trakcare id, then to
// "<run>-<row index>".
func preparePatients(rows []PatientRow) ([]*PatientRecord, int, []RowError) {
	type key struct{ run, code string }
	var (
		recs      []*PatientRecord
		invalid   []RowError
		collapsed int
		seen      = make(map[key]int)
	)
	for i, row := range rows {
		run, reason := normalizeRUN(row.RUN)
		if reason != "" {
			invalid = append(invalid, RowError{Index: i, RUN: row.RUN, Reason: reason})
			continue
		}
		code := strings.TrimSpace(row.RegistryCode)
		if code == "" {
			code = strings.TrimSpace(row.TrakcareID)
		}
		if code == "" {
			code = run + "-" + strconv.Itoa(i)
		}
		rec := &PatientRecord{
			RUN:                   run,
			RegistryCode:          code,
			TrakcareID:            strings.TrimSpace(row.TrakcareID),
			FamilyCode:            strings.TrimSpace(row.FamilyCode),
			HouseholdRelationship: strings.TrimSpace(row.HouseholdRelationship),
			FirstNames:            strings.TrimSpace(row.FirstNames),
			PaternalSurname:       strings.TrimSpace(row.PaternalSurname),
			MaternalSurname:       strings.TrimSpace(row.MaternalSurname),
			Gender:                strings.TrimSpace(row.Gender),
			BirthDate:             optionalDate(row.BirthDate),
			Nationality:           strings.TrimSpace(row.Nationality),
			Ethnicity:             strings.TrimSpace(row.Ethnicity),
			Sector:                strings.TrimSpace(row.Sector),
			EnrollmentCenter:      strings.TrimSpace(row.EnrollmentCenter),
			HealthService:         strings.TrimSpace(row.HealthService),
			DeathDate:             optionalDate(row.DeathDate),
		}
		k := key{run, code}
		if at, ok := seen[k]; ok {
			recs[at] = rec
			collapsed++
			continue
		}
		seen[k] = len(recs)
		recs = append(recs, rec)
	}
	return recs, collapsed, invalid
}

// finishIngestion writes the audit row and load metrics. Audit failures are
// logged and surfaced as a warning; they never fail the load itself.
func (s *Service) finishIngestion(ctx context.Context, out *IngestionOutcome, summary IngestionSummary) {
	s.metrics.AddIngestRows(string(out.Kind), "created", out.Created)
	s.metrics.AddIngestRows(string(out.Kind), "updated", out.Updated)
	s.metrics.AddIngestRows(string(out.Kind), "invalid", len(out.Invalid))

	rec, err := s.RecordIngestionAudit(ctx, summary)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(out.Kind)).Msg("failed to record ingestion audit")
		out.Warnings = append(out.Warnings, "audit not recorded: "+err.Error())
		return
	}
	out.Audit = rec
}

// archivePayload stores the submitted rows as JSON when an archive is
// configured and returns the archive key, or "" when nothing was stored.
func (s *Service) archivePayload(ctx context.Context, kind IngestionKind, opts IngestOptions, rows any, out *IngestionOutcome) string {
	if s.archive == nil {
		return ""
	}
	body, err := json.Marshal(rows)
	if err != nil {
		out.Warnings = append(out.Warnings, "payload not archived: "+err.Error())
		return ""
	}
	name := opts.FileName
	if name == "" {
		name = strings.ToLower(string(kind)) + ".json"
	}
	meta, err := s.archive.Upload(ctx, blobstore.BlobMetadata{
		FileName:    name,
		ContentType: "application/json",
		Kind:        string(kind),
		CreatedBy:   opts.Actor,
		Tags:        map[string]string{"rows": strconv.Itoa(out.Total)},
	}, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("failed to archive payload")
		out.Warnings = append(out.Warnings, "payload not archived: "+err.Error())
		return ""
	}
	return meta.Key
}

func periodsOf(recs []*SnapshotRecord) []Period {
	set := make(map[Period]struct{})
	var out []Period
	for _, r := range recs {
		if _, ok := set[r.Period]; !ok {
			set[r.Period] = struct{}{}
			out = append(out, r.Period)
		}
	}
	sortPeriodsAsc(out)
	return out
}

func sortPeriodsAsc(ps []Period) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Before(ps[j]) })
}

func latestPeriod(ps []Period) *Period {
	if len(ps) == 0 {
		return nil
	}
	p := ps[len(ps)-1]
	return &p
}

func latestSnapshotDate(recs []*SnapshotRecord) *time.Time {
	var latest *time.Time
	for _, r := range recs {
		if latest == nil || r.SnapshotDate.After(*latest) {
			d := r.SnapshotDate
			latest = &d
		}
	}
	return latest
}
