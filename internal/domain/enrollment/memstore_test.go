package enrollment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock repositories --

type mockSnapshotRepo struct {
	mu     sync.Mutex
	recs   []*SnapshotRecord
	nextID int64
}

func newMockSnapshotRepo() *mockSnapshotRepo {
	return &mockSnapshotRepo{}
}

func (m *mockSnapshotRepo) Insert(_ context.Context, recs []*SnapshotRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.nextID++
		cp := *r
		cp.ID = m.nextID
		r.ID = cp.ID
		m.recs = append(m.recs, &cp)
	}
	return len(recs), nil
}

func (m *mockSnapshotRepo) DeletePeriod(_ context.Context, p Period) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recs[:0]
	deleted := 0
	for _, r := range m.recs {
		if r.Period == p {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	return deleted, nil
}

func (m *mockSnapshotRepo) LatestSnapshotDate(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, r := range m.recs {
		if latest == nil || r.SnapshotDate.After(*latest) {
			d := r.SnapshotDate
			latest = &d
		}
	}
	return latest, nil
}

func (m *mockSnapshotRepo) CountAt(_ context.Context, date time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.SnapshotDate.Equal(dateOnly(date)) {
			n++
		}
	}
	return n, nil
}

func (m *mockSnapshotRepo) filter(keep func(*SnapshotRecord) bool) []*SnapshotRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SnapshotRecord
	for _, r := range m.recs {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockSnapshotRepo) FindByRUNsAt(_ context.Context, runs []string, date time.Time) ([]*SnapshotRecord, error) {
	set := stringSet(runs)
	return m.filter(func(r *SnapshotRecord) bool {
		return set[r.RUN] && r.SnapshotDate.Equal(dateOnly(date))
	}), nil
}

func (m *mockSnapshotRepo) FindByRUNsInPeriod(_ context.Context, runs []string, p Period) ([]*SnapshotRecord, error) {
	set := stringSet(runs)
	return m.filter(func(r *SnapshotRecord) bool {
		return set[r.RUN] && r.Period == p
	}), nil
}

func (m *mockSnapshotRepo) FindByRUN(_ context.Context, run string) ([]*SnapshotRecord, error) {
	return m.filter(func(r *SnapshotRecord) bool { return r.RUN == run }), nil
}

func (m *mockSnapshotRepo) Periods(_ context.Context) ([]Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[Period]bool)
	var out []Period
	for _, r := range m.recs {
		if !seen[r.Period] {
			seen[r.Period] = true
			out = append(out, r.Period)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

func (m *mockSnapshotRepo) Fingerprint(ctx context.Context) (Fingerprint, error) {
	latest, _ := m.LatestSnapshotDate(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := Fingerprint{MaxSnapshotDate: latest, Count: int64(len(m.recs))}
	for _, r := range m.recs {
		if r.ID > fp.MaxID {
			fp.MaxID = r.ID
		}
	}
	return fp, nil
}

func (m *mockSnapshotRepo) ReasonCounts(_ context.Context, f SummaryFilter) ([]ReasonCount, error) {
	type key struct {
		p                Period
		decision, reason string
	}
	recs := m.filter(func(r *SnapshotRecord) bool {
		if f.Year != 0 && r.Period.Year != f.Year {
			return false
		}
		if f.Center != "" && !strings.Contains(strings.ToUpper(r.CenterName), strings.ToUpper(f.Center)) {
			return false
		}
		return true
	})
	groups := make(map[key]*ReasonCount)
	var order []key
	for _, r := range recs {
		k := key{r.Period, strings.ToUpper(strings.TrimSpace(r.Decision)), r.ReasonNormalized}
		rc, ok := groups[k]
		if !ok {
			rc = &ReasonCount{Period: k.p, Decision: k.decision, ReasonNormalized: k.reason}
			groups[k] = rc
			order = append(order, k)
		}
		rc.Count++
		if r.SnapshotDate.After(rc.LatestSnapshot) {
			rc.LatestSnapshot = r.SnapshotDate
		}
	}
	out := make([]ReasonCount, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	return out, nil
}

func (m *mockSnapshotRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type mockRegistrationRepo struct {
	mu    sync.Mutex
	regs  map[uuid.UUID]*Registration
	order []uuid.UUID
}

func newMockRegistrationRepo() *mockRegistrationRepo {
	return &mockRegistrationRepo{regs: make(map[uuid.UUID]*Registration)}
}

func (m *mockRegistrationRepo) findLocked(run string, p Period) *Registration {
	for _, id := range m.order {
		if r := m.regs[id]; r.RUN == run && r.Period == p {
			return r
		}
	}
	return nil
}

func (m *mockRegistrationRepo) Upsert(_ context.Context, regs []*Registration, reset bool) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created, updated int
	for _, reg := range regs {
		if cur := m.findLocked(reg.RUN, reg.Period); cur != nil {
			cur.FullName = reg.FullName
			cur.RegistrationDate = reg.RegistrationDate
			cur.Nationality = reg.Nationality
			cur.Ethnicity = reg.Ethnicity
			cur.Sector = reg.Sector
			cur.Subsector = reg.Subsector
			cur.PercapitaCode = reg.PercapitaCode
			cur.Facility = reg.Facility
			cur.Notes = reg.Notes
			if reset {
				cur.State = StatePending
				cur.ValidationBatchID = nil
			}
			reg.ID, reg.State = cur.ID, cur.State
			updated++
			continue
		}
		reg.ID = uuid.New()
		reg.State = StatePending
		cp := *reg
		m.regs[cp.ID] = &cp
		m.order = append(m.order, cp.ID)
		created++
	}
	return created, updated, nil
}

func (m *mockRegistrationRepo) Create(_ context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(reg.RUN, reg.Period) != nil {
		return ErrAlreadyExists
	}
	reg.ID = uuid.New()
	if reg.State == "" {
		reg.State = StatePending
	}
	cp := *reg
	m.regs[cp.ID] = &cp
	m.order = append(m.order, cp.ID)
	return nil
}

func (m *mockRegistrationRepo) GetByID(_ context.Context, id uuid.UUID) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRegistrationRepo) list(keep func(*Registration) bool) []*Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Registration
	for _, id := range m.order {
		if r := m.regs[id]; keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockRegistrationRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*Registration, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.list(func(r *Registration) bool { return want[r.ID] }), nil
}

func (m *mockRegistrationRepo) ListByPeriod(_ context.Context, p Period, state RegistrationState) ([]*Registration, error) {
	return m.list(func(r *Registration) bool {
		return r.Period == p && (state == "" || r.State == state)
	}), nil
}

func (m *mockRegistrationRepo) FindByRUN(_ context.Context, run string) ([]*Registration, error) {
	return m.list(func(r *Registration) bool { return r.RUN == run }), nil
}

func (m *mockRegistrationRepo) UpdateStates(_ context.Context, updates []StateUpdate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range updates {
		r, ok := m.regs[u.ID]
		if !ok {
			continue
		}
		r.State = u.State
		if u.BatchID != nil {
			id := *u.BatchID
			r.ValidationBatchID = &id
		}
		n++
	}
	return n, nil
}

func (m *mockRegistrationRepo) Review(_ context.Context, id uuid.UUID, review Review, reviewer string, at time.Time) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.State = review.State
	r.ReviewNotes = review.Notes
	r.Reviewed, r.ReviewedManually = true, true
	r.ReviewedBy = &reviewer
	r.ReviewedAt = &at
	cp := *r
	return &cp, nil
}

func (m *mockRegistrationRepo) matches(f RegistrationFilter, withState bool) func(*Registration) bool {
	return func(r *Registration) bool {
		if f.Period != nil && r.Period != *f.Period {
			return false
		}
		if withState && f.State != "" && r.State != f.State {
			return false
		}
		if f.Search != "" {
			q := strings.ToUpper(f.Search)
			if !strings.Contains(r.RUN, q) && !strings.Contains(strings.ToUpper(r.FullName), q) {
				return false
			}
		}
		return true
	}
}

func (m *mockRegistrationRepo) List(_ context.Context, f RegistrationFilter) ([]*Registration, int, error) {
	all := m.list(m.matches(f, true))
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (m *mockRegistrationRepo) Stats(_ context.Context, f RegistrationFilter) (RegistrationStats, error) {
	var stats RegistrationStats
	for _, r := range m.list(m.matches(f, false)) {
		stats.add(r.State, 1)
	}
	return stats, nil
}

func (m *mockRegistrationRepo) stateOf(id uuid.UUID) RegistrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regs[id]; ok {
		return r.State
	}
	return ""
}

type mockPatientRepo struct {
	mu   sync.Mutex
	recs []*PatientRecord
}

func (m *mockPatientRepo) Upsert(_ context.Context, recs []*PatientRecord) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created, updated int
	for _, rec := range recs {
		found := false
		for i, cur := range m.recs {
			if cur.RUN == rec.RUN && cur.RegistryCode == rec.RegistryCode {
				cp := *rec
				cp.ID = cur.ID
				m.recs[i] = &cp
				found = true
				updated++
				break
			}
		}
		if !found {
			cp := *rec
			cp.ID = uuid.New()
			m.recs = append(m.recs, &cp)
			created++
		}
	}
	return created, updated, nil
}

func (m *mockPatientRepo) DeleteAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.recs)
	m.recs = nil
	return n, nil
}

func (m *mockPatientRepo) FindByRUNs(_ context.Context, runs []string) ([]*PatientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := stringSet(runs)
	var out []*PatientRecord
	for _, r := range m.recs {
		if set[r.RUN] {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockBatchRepo struct {
	mu      sync.Mutex
	batches []*ValidationBatch
}

func (m *mockBatchRepo) Upsert(_ context.Context, b *ValidationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.batches {
		if cur.Period == b.Period && cur.SnapshotDate.Equal(b.SnapshotDate) {
			b.ID = cur.ID
			cp := *b
			m.batches[i] = &cp
			return nil
		}
	}
	b.ID = uuid.New()
	cp := *b
	m.batches = append(m.batches, &cp)
	return nil
}

func (m *mockBatchRepo) List(_ context.Context, limit, offset int) ([]*ValidationBatch, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ValidationBatch, 0, len(m.batches))
	for i := len(m.batches) - 1; i >= 0; i-- {
		cp := *m.batches[i]
		out = append(out, &cp)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

type mockAuditRepo struct {
	mu   sync.Mutex
	recs []*IngestionRecord
	err  error
}

func (m *mockAuditRepo) Create(_ context.Context, rec *IngestionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec.ID = uuid.New()
	cp := *rec
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *mockAuditRepo) GetByID(_ context.Context, id uuid.UUID) (*IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockAuditRepo) List(_ context.Context, f IngestionFilter) ([]*IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*IngestionRecord
	for i := len(m.recs) - 1; i >= 0; i-- {
		r := m.recs[i]
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.Actor != "" && !strings.Contains(strings.ToLower(r.Actor), strings.ToLower(f.Actor)) {
			continue
		}
		if f.Period != nil {
			inPeriod := r.Period != nil && *r.Period == *f.Period
			if !inPeriod && r.SnapshotDate != nil && PeriodOf(*r.SnapshotDate) == *f.Period {
				inPeriod = true
			}
			if !inPeriod {
				continue
			}
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// mockTx runs units of work inline. Keys in busy report as held by another
// transaction; err, when set, is returned instead of running fn.
type mockTx struct {
	mu     sync.Mutex
	busy   map[string]bool
	locked []string
	err    error
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.err != nil {
		return m.err
	}
	return fn(ctx)
}

func (m *mockTx) TryLock(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[key] {
		return false, nil
	}
	m.locked = append(m.locked, key)
	return true, nil
}

// -- Fixture --

type fixture struct {
	svc           *Service
	snapshots     *mockSnapshotRepo
	registrations *mockRegistrationRepo
	patients      *mockPatientRepo
	batches       *mockBatchRepo
	audits        *mockAuditRepo
	tx            *mockTx
}

var fixedNow = time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		snapshots:     newMockSnapshotRepo(),
		registrations: newMockRegistrationRepo(),
		patients:      &mockPatientRepo{},
		batches:       &mockBatchRepo{},
		audits:        &mockAuditRepo{},
		tx:            &mockTx{busy: make(map[string]bool)},
	}
	f.svc = NewService(f.snapshots, f.registrations, f.patients, f.batches, f.audits, f.tx, zerolog.Nop())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func cutRow(run, date, decision, reason string) SnapshotRow {
	return SnapshotRow{
		RUN:          run,
		FirstNames:   "JUAN",
		SnapshotDate: date,
		CenterName:   "CESFAM CENTRAL",
		Decision:     decision,
		Reason:       reason,
	}
}

func regRow(run, date string) RegistrationRow {
	return RegistrationRow{RUN: run, FullName: "JUAN PEREZ", RegistrationDate: date}
}

func stringSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

var errBoom = errors.New("boom")
