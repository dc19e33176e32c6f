package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kuribo50/Percapita2/internal/platform/db"
)

// -- Transactions --

type pgTxRunner struct {
	tm *db.TxManager
}

// NewTxRunner adapts a db.TxManager; locks are Postgres advisory locks.
func NewTxRunner(tm *db.TxManager) TxRunner {
	return &pgTxRunner{tm: tm}
}

func (r *pgTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.tm.InTx(ctx, fn)
}

func (r *pgTxRunner) TryLock(ctx context.Context, key string) (bool, error) {
	return db.TryAdvisoryLock(ctx, key)
}

// -- Snapshot Repository --

type snapshotRepoPG struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepo(pool *pgxpool.Pool) SnapshotRepository {
	return &snapshotRepoPG{pool: pool}
}

func (r *snapshotRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cutColumns = `id, run, first_names, paternal_surname, maternal_surname, birth_date,
	gender, gender_code, tier, snapshot_date, period_year, period_month,
	center_name, origin_center, origin_commune, current_center, current_commune,
	decision, reason, reason_normalized, created_at`

// cutCopyColumns is the COPY column order matching copyValues.
var cutCopyColumns = []string{
	"run", "first_names", "paternal_surname", "maternal_surname", "birth_date",
	"gender", "gender_code", "tier", "snapshot_date", "period_year", "period_month",
	"center_name", "origin_center", "origin_commune", "current_center", "current_commune",
	"decision", "reason", "reason_normalized", "created_at",
}

func (rec *SnapshotRecord) copyValues() []any {
	return []any{
		rec.RUN, rec.FirstNames, rec.PaternalSurname, rec.MaternalSurname, rec.BirthDate,
		rec.Gender, rec.GenderCode, rec.Tier, rec.SnapshotDate, rec.Period.Year, rec.Period.Month,
		rec.CenterName, rec.OriginCenter, rec.OriginCommune, rec.CurrentCenter, rec.CurrentCommune,
		rec.Decision, rec.Reason, rec.ReasonNormalized, rec.CreatedAt,
	}
}

func (r *snapshotRepoPG) Insert(ctx context.Context, recs []*SnapshotRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"cut_record"}, cutCopyColumns,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			return recs[i].copyValues(), nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy cut records: %w", err)
	}
	return int(n), nil
}

func (r *snapshotRepoPG) DeletePeriod(ctx context.Context, p Period) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM cut_record WHERE period_year = $1 AND period_month = $2`, p.Year, p.Month)
	if err != nil {
		return 0, fmt.Errorf("delete cut period %s: %w", p, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *snapshotRepoPG) LatestSnapshotDate(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	if err := r.conn(ctx).QueryRow(ctx, `SELECT MAX(snapshot_date) FROM cut_record`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest snapshot date: %w", err)
	}
	return latest, nil
}

func (r *snapshotRepoPG) CountAt(ctx context.Context, date time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cut_record WHERE snapshot_date = $1`, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cut records at %s: %w", date.Format("2006-01-02"), err)
	}
	return n, nil
}

func (r *snapshotRepoPG) FindByRUNsAt(ctx context.Context, runs []string, date time.Time) ([]*SnapshotRecord, error) {
	if len(runs) == 0 {
		return nil, nil
	}
	return r.query(ctx, `SELECT `+cutColumns+` FROM cut_record
		WHERE run = ANY($1) AND snapshot_date = $2 ORDER BY id`, runs, date)
}

func (r *snapshotRepoPG) FindByRUNsInPeriod(ctx context.Context, runs []string, p Period) ([]*SnapshotRecord, error) {
	if len(runs) == 0 {
		return nil, nil
	}
	return r.query(ctx, `SELECT `+cutColumns+` FROM cut_record
		WHERE run = ANY($1) AND period_year = $2 AND period_month = $3 ORDER BY id`, runs, p.Year, p.Month)
}

func (r *snapshotRepoPG) FindByRUN(ctx context.Context, run string) ([]*SnapshotRecord, error) {
	return r.query(ctx, `SELECT `+cutColumns+` FROM cut_record WHERE run = $1 ORDER BY id`, run)
}

func (r *snapshotRepoPG) Periods(ctx context.Context) ([]Period, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT DISTINCT period_year, period_month FROM cut_record
		ORDER BY period_year DESC, period_month DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cut periods: %w", err)
	}
	defer rows.Close()

	var periods []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.Year, &p.Month); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (r *snapshotRepoPG) Fingerprint(ctx context.Context) (Fingerprint, error) {
	var fp Fingerprint
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT MAX(snapshot_date), COALESCE(MAX(id), 0), COUNT(*) FROM cut_record`,
	).Scan(&fp.MaxSnapshotDate, &fp.MaxID, &fp.Count)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("cut fingerprint: %w", err)
	}
	return fp, nil
}

func (r *snapshotRepoPG) ReasonCounts(ctx context.Context, filter SummaryFilter) ([]ReasonCount, error) {
	query := `SELECT period_year, period_month, UPPER(TRIM(decision)), reason_normalized,
		COUNT(*), MAX(snapshot_date) FROM cut_record WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.Year != 0 {
		query += fmt.Sprintf(` AND period_year = $%d`, idx)
		args = append(args, filter.Year)
		idx++
	}
	if filter.Center != "" {
		query += fmt.Sprintf(` AND center_name ILIKE $%d`, idx)
		args = append(args, "%"+filter.Center+"%")
		idx++
	}
	query += ` GROUP BY 1, 2, 3, 4 ORDER BY 1 DESC, 2 DESC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cut reason counts: %w", err)
	}
	defer rows.Close()

	var out []ReasonCount
	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.Period.Year, &rc.Period.Month, &rc.Decision, &rc.ReasonNormalized,
			&rc.Count, &rc.LatestSnapshot); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *snapshotRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*SnapshotRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query cut records: %w", err)
	}
	defer rows.Close()

	var recs []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanSnapshot(row pgx.Row) (*SnapshotRecord, error) {
	var s SnapshotRecord
	err := row.Scan(
		&s.ID, &s.RUN, &s.FirstNames, &s.PaternalSurname, &s.MaternalSurname, &s.BirthDate,
		&s.Gender, &s.GenderCode, &s.Tier, &s.SnapshotDate, &s.Period.Year, &s.Period.Month,
		&s.CenterName, &s.OriginCenter, &s.OriginCommune, &s.CurrentCenter, &s.CurrentCommune,
		&s.Decision, &s.Reason, &s.ReasonNormalized, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// -- Registration Repository --

type registrationRepoPG struct {
	pool *pgxpool.Pool
}

func NewRegistrationRepo(pool *pgxpool.Pool) RegistrationRepository {
	return &registrationRepoPG{pool: pool}
}

func (r *registrationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const regColumns = `id, run, full_name, registration_date, period_year, period_month,
	nationality, ethnicity, sector, subsector, percapita_code, facility, notes,
	state, reviewed, reviewed_manually, reviewed_by, reviewed_at, review_notes,
	validation_batch_id, created_at, updated_at, created_by`

const regUpsertSQL = `
	INSERT INTO registration (
		id, run, full_name, registration_date, period_year, period_month,
		nationality, ethnicity, sector, subsector, percapita_code, facility, notes,
		state, created_by
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11, $12, $13,
		'PENDIENTE', $14
	)
	ON CONFLICT (run, period_year, period_month) DO UPDATE SET
		full_name = EXCLUDED.full_name,
		registration_date = EXCLUDED.registration_date,
		nationality = EXCLUDED.nationality,
		ethnicity = EXCLUDED.ethnicity,
		sector = EXCLUDED.sector,
		subsector = EXCLUDED.subsector,
		percapita_code = EXCLUDED.percapita_code,
		facility = EXCLUDED.facility,
		notes = EXCLUDED.notes,
		state = CASE WHEN $15::boolean THEN 'PENDIENTE' ELSE registration.state END,
		validation_batch_id = CASE WHEN $15::boolean THEN NULL ELSE registration.validation_batch_id END,
		updated_at = NOW()
	RETURNING id, state, (xmax = 0) AS inserted`

func (r *registrationRepoPG) Upsert(ctx context.Context, regs []*Registration, reset bool) (int, int, error) {
	if len(regs) == 0 {
		return 0, 0, nil
	}

	b := &pgx.Batch{}
	for _, reg := range regs {
		if reg.ID == uuid.Nil {
			reg.ID = uuid.New()
		}
		b.Queue(regUpsertSQL,
			reg.ID, reg.RUN, reg.FullName, reg.RegistrationDate, reg.Period.Year, reg.Period.Month,
			reg.Nationality, reg.Ethnicity, reg.Sector, reg.Subsector, reg.PercapitaCode, reg.Facility, reg.Notes,
			reg.CreatedBy, reset,
		)
	}

	br := r.conn(ctx).SendBatch(ctx, b)
	defer br.Close()

	var created, updated int
	for _, reg := range regs {
		var inserted bool
		if err := br.QueryRow().Scan(&reg.ID, &reg.State, &inserted); err != nil {
			return 0, 0, fmt.Errorf("upsert registration %s %s: %w", reg.RUN, reg.Period, err)
		}
		if inserted {
			created++
		} else {
			updated++
		}
	}
	return created, updated, br.Close()
}

func (r *registrationRepoPG) Create(ctx context.Context, reg *Registration) error {
	reg.ID = uuid.New()
	if reg.State == "" {
		reg.State = StatePending
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO registration (
			id, run, full_name, registration_date, period_year, period_month,
			nationality, ethnicity, sector, subsector, percapita_code, facility, notes,
			state, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15
		)
		ON CONFLICT (run, period_year, period_month) DO NOTHING
		RETURNING created_at, updated_at`,
		reg.ID, reg.RUN, reg.FullName, reg.RegistrationDate, reg.Period.Year, reg.Period.Month,
		reg.Nationality, reg.Ethnicity, reg.Sector, reg.Subsector, reg.PercapitaCode, reg.Facility, reg.Notes,
		reg.State, reg.CreatedBy,
	).Scan(&reg.CreatedAt, &reg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: registration for %s in %s", ErrAlreadyExists, reg.RUN, reg.Period)
	}
	return err
}

func (r *registrationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Registration, error) {
	reg, err := scanRegistration(r.conn(ctx).QueryRow(ctx, `SELECT `+regColumns+` FROM registration WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: registration %s", ErrNotFound, id)
	}
	return reg, err
}

func (r *registrationRepoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Registration, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, `SELECT `+regColumns+` FROM registration WHERE id::text = ANY($1)`, uuidStrings(ids))
}

func (r *registrationRepoPG) ListByPeriod(ctx context.Context, p Period, state RegistrationState) ([]*Registration, error) {
	if state == "" {
		return r.query(ctx, `SELECT `+regColumns+` FROM registration
			WHERE period_year = $1 AND period_month = $2 ORDER BY created_at, id`, p.Year, p.Month)
	}
	return r.query(ctx, `SELECT `+regColumns+` FROM registration
		WHERE period_year = $1 AND period_month = $2 AND state = $3 ORDER BY created_at, id`, p.Year, p.Month, state)
}

func (r *registrationRepoPG) FindByRUN(ctx context.Context, run string) ([]*Registration, error) {
	return r.query(ctx, `SELECT `+regColumns+` FROM registration WHERE run = $1
		ORDER BY period_year DESC, period_month DESC`, run)
}

func (r *registrationRepoPG) UpdateStates(ctx context.Context, updates []StateUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]string, len(updates))
	states := make([]string, len(updates))
	batches := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID.String()
		states[i] = string(u.State)
		if u.BatchID != nil {
			batches[i] = u.BatchID.String()
		}
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE registration r SET
			state = u.state,
			validation_batch_id = COALESCE(NULLIF(u.batch_id, '')::uuid, r.validation_batch_id),
			updated_at = NOW()
		FROM UNNEST($1::text[], $2::text[], $3::text[]) AS u(id, state, batch_id)
		WHERE r.id = u.id::uuid`,
		ids, states, batches)
	if err != nil {
		return 0, fmt.Errorf("bulk update registration states: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *registrationRepoPG) Review(ctx context.Context, id uuid.UUID, review Review, reviewer string, at time.Time) (*Registration, error) {
	reg, err := scanRegistration(r.conn(ctx).QueryRow(ctx, `
		UPDATE registration SET
			state = $2, review_notes = $3, reviewed = TRUE, reviewed_manually = TRUE,
			reviewed_by = $4, reviewed_at = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING `+regColumns,
		id, review.State, review.Notes, reviewer, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: registration %s", ErrNotFound, id)
	}
	return reg, err
}

// where builds the filter clause. The state filter is skipped when
// withState is false so Stats can count every state of the filtered set.
func (f RegistrationFilter) where(withState bool) (string, []interface{}) {
	clause := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Period != nil {
		clause += fmt.Sprintf(` AND period_year = $%d AND period_month = $%d`, idx, idx+1)
		args = append(args, f.Period.Year, f.Period.Month)
		idx += 2
	}
	if withState && f.State != "" {
		clause += fmt.Sprintf(` AND state = $%d`, idx)
		args = append(args, f.State)
		idx++
	}
	if f.Search != "" {
		clause += fmt.Sprintf(` AND (run ILIKE $%d OR full_name ILIKE $%d)`, idx, idx)
		args = append(args, "%"+f.Search+"%")
	}
	return clause, args
}

func (r *registrationRepoPG) List(ctx context.Context, filter RegistrationFilter) ([]*Registration, int, error) {
	where, args := filter.where(true)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM registration`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}

	idx := len(args) + 1
	query := `SELECT ` + regColumns + ` FROM registration` + where +
		fmt.Sprintf(` ORDER BY registration_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, filter.Limit, filter.Offset)

	regs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return regs, total, nil
}

func (r *registrationRepoPG) Stats(ctx context.Context, filter RegistrationFilter) (RegistrationStats, error) {
	where, args := filter.where(false)
	rows, err := r.conn(ctx).Query(ctx, `SELECT state, COUNT(*) FROM registration`+where+` GROUP BY state`, args...)
	if err != nil {
		return RegistrationStats{}, fmt.Errorf("registration stats: %w", err)
	}
	defer rows.Close()

	var stats RegistrationStats
	for rows.Next() {
		var state RegistrationState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return RegistrationStats{}, err
		}
		stats.add(state, n)
	}
	return stats, rows.Err()
}

func (r *registrationRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Registration, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var regs []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func scanRegistration(row pgx.Row) (*Registration, error) {
	var g Registration
	err := row.Scan(
		&g.ID, &g.RUN, &g.FullName, &g.RegistrationDate, &g.Period.Year, &g.Period.Month,
		&g.Nationality, &g.Ethnicity, &g.Sector, &g.Subsector, &g.PercapitaCode, &g.Facility, &g.Notes,
		&g.State, &g.Reviewed, &g.ReviewedManually, &g.ReviewedBy, &g.ReviewedAt, &g.ReviewNotes,
		&g.ValidationBatchID, &g.CreatedAt, &g.UpdatedAt, &g.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// -- Patient Registry Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientColumns = `id, run, registry_code, trakcare_id, family_code, household_relationship,
	first_names, paternal_surname, maternal_surname, gender, birth_date,
	nationality, ethnicity, sector, enrollment_center, health_service, death_date,
	created_at, updated_at`

func (r *patientRepoPG) Upsert(ctx context.Context, recs []*PatientRecord) (int, int, error) {
	if len(recs) == 0 {
		return 0, 0, nil
	}

	b := &pgx.Batch{}
	for _, p := range recs {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		b.Queue(`
			INSERT INTO patient_registry (
				id, run, registry_code, trakcare_id, family_code, household_relationship,
				first_names, paternal_surname, maternal_surname, gender, birth_date,
				nationality, ethnicity, sector, enrollment_center, health_service, death_date
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17
			)
			ON CONFLICT (run, registry_code) DO UPDATE SET
				trakcare_id = EXCLUDED.trakcare_id,
				family_code = EXCLUDED.family_code,
				household_relationship = EXCLUDED.household_relationship,
				first_names = EXCLUDED.first_names,
				paternal_surname = EXCLUDED.paternal_surname,
				maternal_surname = EXCLUDED.maternal_surname,
				gender = EXCLUDED.gender,
				birth_date = EXCLUDED.birth_date,
				nationality = EXCLUDED.nationality,
				ethnicity = EXCLUDED.ethnicity,
				sector = EXCLUDED.sector,
				enrollment_center = EXCLUDED.enrollment_center,
				health_service = EXCLUDED.health_service,
				death_date = EXCLUDED.death_date,
				updated_at = NOW()
			RETURNING id, (xmax = 0) AS inserted`,
			p.ID, p.RUN, p.RegistryCode, p.TrakcareID, p.FamilyCode, p.HouseholdRelationship,
			p.FirstNames, p.PaternalSurname, p.MaternalSurname, p.Gender, p.BirthDate,
			p.Nationality, p.Ethnicity, p.Sector, p.EnrollmentCenter, p.HealthService, p.DeathDate,
		)
	}

	br := r.conn(ctx).SendBatch(ctx, b)
	defer br.Close()

	var created, updated int
	for _, p := range recs {
		var inserted bool
		if err := br.QueryRow().Scan(&p.ID, &inserted); err != nil {
			return 0, 0, fmt.Errorf("upsert patient %s/%s: %w", p.RUN, p.RegistryCode, err)
		}
		if inserted {
			created++
		} else {
			updated++
		}
	}
	return created, updated, br.Close()
}

func (r *patientRepoPG) DeleteAll(ctx context.Context) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_registry`)
	if err != nil {
		return 0, fmt.Errorf("clear patient registry: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *patientRepoPG) FindByRUNs(ctx context.Context, runs []string) ([]*PatientRecord, error) {
	if len(runs) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientColumns+` FROM patient_registry WHERE run = ANY($1)`, runs)
	if err != nil {
		return nil, fmt.Errorf("query patient registry: %w", err)
	}
	defer rows.Close()

	var out []*PatientRecord
	for rows.Next() {
		var p PatientRecord
		if err := rows.Scan(
			&p.ID, &p.RUN, &p.RegistryCode, &p.TrakcareID, &p.FamilyCode, &p.HouseholdRelationship,
			&p.FirstNames, &p.PaternalSurname, &p.MaternalSurname, &p.Gender, &p.BirthDate,
			&p.Nationality, &p.Ethnicity, &p.Sector, &p.EnrollmentCenter, &p.HealthService, &p.DeathDate,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// -- Validation Batch Repository --

type batchRepoPG struct {
	pool *pgxpool.Pool
}

func NewBatchRepo(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

func (r *batchRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const batchColumns = `id, period_year, period_month, snapshot_date, total_count, validated_count,
	not_validated_count, deceased_count, pending_count, notes, processed_at, processed_by`

func (r *batchRepoPG) Upsert(ctx context.Context, b *ValidationBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO validation_batch (
			id, period_year, period_month, snapshot_date, total_count, validated_count,
			not_validated_count, deceased_count, pending_count, notes, processed_at, processed_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (period_year, period_month, snapshot_date) DO UPDATE SET
			total_count = EXCLUDED.total_count,
			validated_count = EXCLUDED.validated_count,
			not_validated_count = EXCLUDED.not_validated_count,
			deceased_count = EXCLUDED.deceased_count,
			pending_count = EXCLUDED.pending_count,
			notes = EXCLUDED.notes,
			processed_at = EXCLUDED.processed_at,
			processed_by = EXCLUDED.processed_by
		RETURNING id`,
		b.ID, b.Period.Year, b.Period.Month, b.SnapshotDate, b.Total, b.Validated,
		b.NotValidated, b.Deceased, b.Pending, b.Notes, b.ProcessedAt, b.ProcessedBy,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("upsert validation batch %s/%s: %w", b.Period, b.SnapshotDate.Format("2006-01-02"), err)
	}
	return nil
}

func (r *batchRepoPG) List(ctx context.Context, limit, offset int) ([]*ValidationBatch, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM validation_batch`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+batchColumns+` FROM validation_batch
		ORDER BY processed_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ValidationBatch
	for rows.Next() {
		var b ValidationBatch
		if err := rows.Scan(
			&b.ID, &b.Period.Year, &b.Period.Month, &b.SnapshotDate, &b.Total, &b.Validated,
			&b.NotValidated, &b.Deceased, &b.Pending, &b.Notes, &b.ProcessedAt, &b.ProcessedBy,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, &b)
	}
	return out, total, rows.Err()
}

// -- Ingestion Audit Repository --

type auditRepoPG struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const auditColumns = `id, kind, file_name, actor, loaded_at, period_year, period_month, snapshot_date,
	total_rows, created_rows, updated_rows, invalid_rows, outcome, replace_mode, notes,
	duration_seconds, client_ip, archive_key`

func (r *auditRepoPG) Create(ctx context.Context, rec *IngestionRecord) error {
	rec.ID = uuid.New()
	if rec.LoadedAt.IsZero() {
		rec.LoadedAt = time.Now().UTC()
	}
	var year, month *int
	if rec.Period != nil {
		year, month = &rec.Period.Year, &rec.Period.Month
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ingestion_audit (
			id, kind, file_name, actor, loaded_at, period_year, period_month, snapshot_date,
			total_rows, created_rows, updated_rows, invalid_rows, outcome, replace_mode, notes,
			duration_seconds, client_ip, archive_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18
		)`,
		rec.ID, rec.Kind, rec.FileName, rec.Actor, rec.LoadedAt, year, month, rec.SnapshotDate,
		rec.Total, rec.Created, rec.Updated, rec.Invalid, rec.Outcome, rec.ReplaceMode, rec.Notes,
		rec.DurationSeconds, rec.ClientIP, rec.ArchiveKey,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion audit: %w", err)
	}
	return nil
}

func (r *auditRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*IngestionRecord, error) {
	rec, err := scanAudit(r.conn(ctx).QueryRow(ctx, `SELECT `+auditColumns+` FROM ingestion_audit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: ingestion %s", ErrNotFound, id)
	}
	return rec, err
}

func (r *auditRepoPG) List(ctx context.Context, filter IngestionFilter) ([]*IngestionRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM ingestion_audit WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, idx)
		args = append(args, filter.Kind)
		idx++
	}
	if filter.Actor != "" {
		query += fmt.Sprintf(` AND actor ILIKE $%d`, idx)
		args = append(args, "%"+filter.Actor+"%")
		idx++
	}
	if filter.Period != nil {
		query += fmt.Sprintf(` AND ((period_year = $%d AND period_month = $%d)
			OR (EXTRACT(YEAR FROM snapshot_date) = $%d AND EXTRACT(MONTH FROM snapshot_date) = $%d))`,
			idx, idx+1, idx, idx+1)
		args = append(args, filter.Period.Year, filter.Period.Month)
		idx += 2
	}
	query += fmt.Sprintf(` ORDER BY loaded_at DESC LIMIT $%d`, idx)
	args = append(args, filter.Limit)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ingestion audits: %w", err)
	}
	defer rows.Close()

	var out []*IngestionRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAudit(row pgx.Row) (*IngestionRecord, error) {
	var a IngestionRecord
	var year, month *int
	err := row.Scan(
		&a.ID, &a.Kind, &a.FileName, &a.Actor, &a.LoadedAt, &year, &month, &a.SnapshotDate,
		&a.Total, &a.Created, &a.Updated, &a.Invalid, &a.Outcome, &a.ReplaceMode, &a.Notes,
		&a.DurationSeconds, &a.ClientIP, &a.ArchiveKey,
	)
	if err != nil {
		return nil, err
	}
	if year != nil && month != nil {
		a.Period = &Period{Year: *year, Month: *month}
	}
	a.SuccessRate = successRate(a.Total, a.Created, a.Updated)
	return &a, nil
}
