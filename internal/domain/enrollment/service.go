package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kuribo50/Percapita2/internal/platform/blobstore"
	"github.com/Kuribo50/Percapita2/internal/platform/cache"
	"github.com/Kuribo50/Percapita2/internal/platform/db"
	"github.com/Kuribo50/Percapita2/internal/platform/metrics"
)

const defaultSummaryTTL = 10 * time.Minute

// Service is the reconciliation core: loads, reconciliation runs, timelines
// and the load audit.
type Service struct {
	snapshots     SnapshotRepository
	registrations RegistrationRepository
	patients      PatientRepository
	batches       BatchRepository
	audits        AuditRepository
	tx            TxRunner

	taxonomy      *Taxonomy
	cache         cache.Store
	cacheTTL      time.Duration
	archive       blobstore.BlobStore
	metrics       *metrics.Metrics
	autoReconcile bool
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(
	snapshots SnapshotRepository,
	registrations RegistrationRepository,
	patients PatientRepository,
	batches BatchRepository,
	audits AuditRepository,
	tx TxRunner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		snapshots:     snapshots,
		registrations: registrations,
		patients:      patients,
		batches:       batches,
		audits:        audits,
		tx:            tx,
		taxonomy:      DefaultTaxonomy(),
		cache:         cache.Nop{},
		cacheTTL:      defaultSummaryTTL,
		autoReconcile: true,
		logger:        logger.With().Str("component", "enrollment").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetTaxonomy(t *Taxonomy) {
	if t != nil {
		s.taxonomy = t
	}
}

// SetCache attaches the period summary cache.
func (s *Service) SetCache(store cache.Store, ttl time.Duration) {
	if store == nil {
		store = cache.Nop{}
	}
	if ttl <= 0 {
		ttl = defaultSummaryTTL
	}
	s.cache, s.cacheTTL = store, ttl
}

// SetArchive enables archiving of every load payload.
func (s *Service) SetArchive(store blobstore.BlobStore) { s.archive = store }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetAutoReconcile toggles the reconciliation run that follows a cut load.
func (s *Service) SetAutoReconcile(enabled bool) { s.autoReconcile = enabled }

func (s *Service) Taxonomy() *Taxonomy { return s.taxonomy }

// inTx runs fn atomically and reports lost serialization races as
// ErrConcurrencyConflict.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.tx.InTx(ctx, fn)
	if errors.Is(err, db.ErrSerialization) && !errors.Is(err, ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

// lockPeriods takes the load lock of every period, failing fast when one is
// already held.
func (s *Service) lockPeriods(ctx context.Context, periods []Period) error {
	for _, p := range periods {
		ok, err := s.tx.TryLock(ctx, p.lockKey())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: period %s is being loaded by another request", ErrConcurrencyConflict, p)
		}
	}
	return nil
}

func (s *Service) observe(op string, start time.Time) {
	s.metrics.ObserveOperation(op, time.Since(start))
}

// gapTracker collects reasons that fell through the taxonomy so each
// distinct value is logged once per operation.
type gapTracker map[string]int

func (g gapTracker) note(c Classification, reason string) {
	if c.Gap {
		g[reason]++
	}
}

func (s *Service) flushGaps(op string, gaps gapTracker) {
	for reason, n := range gaps {
		s.metrics.AddTaxonomyGaps(n)
		s.logger.Warn().
			Str("op", op).
			Str("reason", reason).
			Int("rows", n).
			Msg("reason not covered by taxonomy, defaulted to validated")
	}
}
