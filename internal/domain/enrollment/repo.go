package enrollment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SnapshotRepository interface {
	// Insert stores every record as a new row; duplicates are allowed.
	Insert(ctx context.Context, recs []*SnapshotRecord) (int, error)
	DeletePeriod(ctx context.Context, p Period) (int, error)
	// LatestSnapshotDate returns nil when no snapshot has been loaded.
	LatestSnapshotDate(ctx context.Context) (*time.Time, error)
	CountAt(ctx context.Context, date time.Time) (int, error)
	// Find methods return records in insertion order.
	FindByRUNsAt(ctx context.Context, runs []string, date time.Time) ([]*SnapshotRecord, error)
	FindByRUNsInPeriod(ctx context.Context, runs []string, p Period) ([]*SnapshotRecord, error)
	FindByRUN(ctx context.Context, run string) ([]*SnapshotRecord, error)
	// Periods lists every period with at least one record, most recent first.
	Periods(ctx context.Context) ([]Period, error)
	Fingerprint(ctx context.Context) (Fingerprint, error)
	ReasonCounts(ctx context.Context, filter SummaryFilter) ([]ReasonCount, error)
}

type RegistrationRepository interface {
	// Upsert inserts or updates by (run, period). With reset, matched rows
	// go back to PENDIENTE and lose their batch link.
	Upsert(ctx context.Context, regs []*Registration, reset bool) (created, updated int, err error)
	Create(ctx context.Context, reg *Registration) error
	GetByID(ctx context.Context, id uuid.UUID) (*Registration, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Registration, error)
	ListByPeriod(ctx context.Context, p Period, state RegistrationState) ([]*Registration, error)
	FindByRUN(ctx context.Context, run string) ([]*Registration, error)
	UpdateStates(ctx context.Context, updates []StateUpdate) (int, error)
	Review(ctx context.Context, id uuid.UUID, review Review, reviewer string, at time.Time) (*Registration, error)
	List(ctx context.Context, filter RegistrationFilter) ([]*Registration, int, error)
	Stats(ctx context.Context, filter RegistrationFilter) (RegistrationStats, error)
}

type PatientRepository interface {
	// Upsert inserts or updates by (run, registry code).
	Upsert(ctx context.Context, recs []*PatientRecord) (created, updated int, err error)
	DeleteAll(ctx context.Context) (int, error)
	FindByRUNs(ctx context.Context, runs []string) ([]*PatientRecord, error)
}

type BatchRepository interface {
	// Upsert inserts or updates by (period, snapshot date) and sets b.ID to
	// the stored row's id.
	Upsert(ctx context.Context, b *ValidationBatch) error
	List(ctx context.Context, limit, offset int) ([]*ValidationBatch, int, error)
}

type AuditRepository interface {
	Create(ctx context.Context, rec *IngestionRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*IngestionRecord, error)
	List(ctx context.Context, filter IngestionFilter) ([]*IngestionRecord, error)
}

// TxRunner runs a unit of work atomically and takes period locks inside it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// TryLock takes a lock held until the surrounding transaction ends. It
	// reports false when another transaction holds key.
	TryLock(ctx context.Context, key string) (bool, error)
}

// StateUpdate is one row of a bulk state write.
type StateUpdate struct {
	ID      uuid.UUID
	State   RegistrationState
	BatchID *uuid.UUID
}

// Fingerprint changes whenever snapshot content changes.
type Fingerprint struct {
	MaxSnapshotDate *time.Time
	MaxID           int64
	Count           int64
}

// ReasonCount aggregates snapshot rows sharing period, decision and reason.
type ReasonCount struct {
	Period           Period
	Decision         string
	ReasonNormalized string
	Count            int
	LatestSnapshot   time.Time
}
