//go:build integration

package integration

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/Kuribo50/Percapita2/internal/domain/enrollment"
	"github.com/Kuribo50/Percapita2/internal/platform/blobstore"
	"github.com/Kuribo50/Percapita2/internal/platform/cache"
	"github.com/Kuribo50/Percapita2/internal/platform/db"
)

type EnrollmentSuite struct {
	suite.Suite
	ctx     context.Context
	svc     *enrollment.Service
	archive *blobstore.InMemoryBlobStore
	redis   *cache.Redis
}

func TestEnrollmentSuite(t *testing.T) {
	suite.Run(t, new(EnrollmentSuite))
}

func (s *EnrollmentSuite) SetupSuite() {
	s.ctx = context.Background()
	rc, err := cache.NewRedis(s.ctx, globalEnv.RedisURL)
	s.Require().NoError(err)
	s.Require().NotNil(rc)
	s.redis = rc
}

func (s *EnrollmentSuite) TearDownSuite() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func (s *EnrollmentSuite) SetupTest() {
	truncateAll(s.T(), s.ctx)

	pool := globalEnv.Pool
	s.svc = enrollment.NewService(
		enrollment.NewSnapshotRepo(pool),
		enrollment.NewRegistrationRepo(pool),
		enrollment.NewPatientRepo(pool),
		enrollment.NewBatchRepo(pool),
		enrollment.NewAuditRepo(pool),
		enrollment.NewTxRunner(db.NewTxManager(pool)),
		zerolog.Nop(),
	)
	s.archive = blobstore.NewInMemoryBlobStore()
	s.svc.SetArchive(s.archive)
	s.svc.SetCache(s.redis, time.Minute)
}

func cut(run, date, decision, reason string) enrollment.SnapshotRow {
	return enrollment.SnapshotRow{
		RUN:             run,
		FirstNames:      "MARIA JOSE",
		PaternalSurname: "GONZALEZ",
		SnapshotDate:    date,
		CenterName:      "CESFAM CENTRAL",
		Decision:        decision,
		Reason:          reason,
	}
}

func (s *EnrollmentSuite) TestCutLoadReconcilesPendingRegistrations() {
	reg, err := s.svc.Register(s.ctx, enrollment.RegistrationRow{
		RUN: "12.345.678-5", FullName: "MARIA JOSE GONZALEZ", RegistrationDate: "15/09/2024",
	}, "ana")
	s.Require().NoError(err)
	other, err := s.svc.Register(s.ctx, enrollment.RegistrationRow{
		RUN: "11111111-1", FullName: "PEDRO SOTO", RegistrationDate: "2024-09-20",
	}, "ana")
	s.Require().NoError(err)

	out, err := s.svc.IngestSnapshot(s.ctx, []enrollment.SnapshotRow{
		cut("12345678-5", "2024-10-31", "ACEPTADO", "MANTIENE INSCRIPCION"),
		cut("11111111-1", "2024-10-31", "", "RECHAZO PREVISIONAL"),
		cut("no-es-run", "2024-10-31", "ACEPTADO", ""),
	}, enrollment.IngestOptions{Actor: "ana", FileName: "corte_octubre.csv"})
	s.Require().NoError(err)
	s.Equal(3, out.Total)
	s.Equal(2, out.Created)
	s.Len(out.Invalid, 1)
	s.Require().NotNil(out.AutoReconcile)
	s.Equal(enrollment.Period{Year: 2024, Month: 9}, out.AutoReconcile.Period)
	s.Equal(2, out.AutoReconcile.Processed)
	s.Equal(1, out.AutoReconcile.Validated)
	s.Equal(1, out.AutoReconcile.NotValidated)
	s.Require().NotNil(out.Audit)
	s.Equal(enrollment.OutcomePartial, out.Audit.Outcome)
	s.Equal(1, s.archive.Len())

	sept := enrollment.Period{Year: 2024, Month: 9}
	regs, total, stats, err := s.svc.ListRegistrations(s.ctx, enrollment.RegistrationFilter{Period: &sept})
	s.Require().NoError(err)
	s.Equal(2, total)
	s.Len(regs, 2)
	s.Equal(1, stats.Validated)
	s.Equal(1, stats.NotValidated)

	states := map[string]enrollment.RegistrationState{}
	for _, r := range regs {
		states[r.ID.String()] = r.State
	}
	s.Equal(enrollment.StateValidated, states[reg.ID.String()])
	s.Equal(enrollment.StateNotValidated, states[other.ID.String()])
}

func (s *EnrollmentSuite) TestReplacingAPeriodKeepsOtherPeriods() {
	s.svc.SetAutoReconcile(false)
	_, err := s.svc.IngestSnapshot(s.ctx, []enrollment.SnapshotRow{
		cut("12345678-5", "2024-09-30", "ACEPTADO", ""),
		cut("12345678-5", "2024-10-31", "ACEPTADO", ""),
		cut("11111111-1", "2024-10-31", "ACEPTADO", ""),
	}, enrollment.IngestOptions{})
	s.Require().NoError(err)

	out, err := s.svc.IngestSnapshot(s.ctx, []enrollment.SnapshotRow{
		cut("11111111-1", "2024-10-31", "RECHAZADO", ""),
	}, enrollment.IngestOptions{Replace: true})
	s.Require().NoError(err)
	s.True(out.Replaced)
	s.Equal(2, out.Deleted)

	summaries, err := s.svc.PeriodSummaries(s.ctx, enrollment.SummaryFilter{})
	s.Require().NoError(err)
	s.Require().Len(summaries, 2)
	s.Equal(1, summaries[0].Total)
	s.Equal(1, summaries[0].NotValidated)
	s.Equal(1, summaries[1].Total)
	s.Equal(1, summaries[1].Validated)
}

func (s *EnrollmentSuite) TestBatchReconcileAndTimeline() {
	s.svc.SetAutoReconcile(false)
	_, err := s.svc.IngestPatientRegistry(s.ctx, []enrollment.PatientRow{
		{RUN: "11111111-1", FirstNames: "PEDRO", DeathDate: "2024-10-05"},
	}, enrollment.IngestOptions{})
	s.Require().NoError(err)
	for _, row := range []enrollment.RegistrationRow{
		{RUN: "12345678-5", RegistrationDate: "2024-09-15"},
		{RUN: "11111111-1", RegistrationDate: "2024-09-16"},
		{RUN: "22222222-2", RegistrationDate: "2024-09-17"},
	} {
		_, err := s.svc.Register(s.ctx, row, "ana")
		s.Require().NoError(err)
	}
	_, err = s.svc.IngestSnapshot(s.ctx, []enrollment.SnapshotRow{
		cut("12345678-5", "2024-10-31", "ACEPTADO", ""),
		cut("11111111-1", "2024-10-31", "ACEPTADO", ""),
	}, enrollment.IngestOptions{})
	s.Require().NoError(err)

	oct31 := time.Date(2024, 10, 31, 0, 0, 0, 0, time.UTC)
	batch, err := s.svc.ReconcileBatch(s.ctx, enrollment.Period{Year: 2024, Month: 9}, oct31, "luis")
	s.Require().NoError(err)
	s.Equal(3, batch.Total)
	s.Equal(1, batch.Validated)
	s.Equal(1, batch.Deceased)
	s.Equal(1, batch.NotValidated)

	batches, total, err := s.svc.ListBatches(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Require().Len(batches, 1)
	s.Equal(batch.ID, batches[0].ID)

	events, err := s.svc.BuildTimeline(s.ctx, "12.345.678-5")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(enrollment.EventValidated, events[0].State)
	s.Equal("MARIA JOSE", events[0].FirstNames)
}

func (s *EnrollmentSuite) TestIngestionAuditPayloadRoundTrip() {
	s.svc.SetAutoReconcile(false)
	out, err := s.svc.IngestSnapshot(s.ctx, []enrollment.SnapshotRow{
		cut("12345678-5", "2024-10-31", "ACEPTADO", ""),
	}, enrollment.IngestOptions{Actor: "ana", FileName: "corte.csv", ClientIP: "10.0.0.7"})
	s.Require().NoError(err)
	s.Require().NotNil(out.Audit)

	recs, err := s.svc.ListIngestions(s.ctx, enrollment.IngestionFilter{Kind: enrollment.KindCut})
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal(out.Audit.ID, recs[0].ID)
	s.Require().NotNil(recs[0].PeriodStats)
	s.Equal(1, recs[0].PeriodStats.Validated)

	body, meta, err := s.svc.IngestionPayload(s.ctx, out.Audit.ID)
	s.Require().NoError(err)
	defer body.Close()
	data, err := io.ReadAll(body)
	s.Require().NoError(err)
	s.Contains(string(data), "12345678-5")
	s.Equal("corte.csv", meta.FileName)
}

func (s *EnrollmentSuite) TestConcurrentCutLoadsForSamePeriod() {
	s.svc.SetAutoReconcile(false)
	rows := []enrollment.SnapshotRow{cut("12345678-5", "2024-10-31", "ACEPTADO", "")}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.svc.IngestSnapshot(s.ctx, rows, enrollment.IngestOptions{Replace: true})
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			s.ErrorIs(err, enrollment.ErrConcurrencyConflict)
		}
	}

	summaries, err := s.svc.PeriodSummaries(s.ctx, enrollment.SummaryFilter{})
	s.Require().NoError(err)
	s.Require().Len(summaries, 1)
	s.Equal(1, summaries[0].Total)
}
