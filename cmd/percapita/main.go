package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Kuribo50/Percapita2/internal/config"
	"github.com/Kuribo50/Percapita2/internal/domain/enrollment"
	"github.com/Kuribo50/Percapita2/internal/platform/auth"
	"github.com/Kuribo50/Percapita2/internal/platform/blobstore"
	"github.com/Kuribo50/Percapita2/internal/platform/cache"
	"github.com/Kuribo50/Percapita2/internal/platform/db"
	"github.com/Kuribo50/Percapita2/internal/platform/metrics"
	"github.com/Kuribo50/Percapita2/internal/platform/middleware"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "percapita",
		Short:        "CESFAM per-capita enrollment registry",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(validateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the enrollment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, os.DirFS(dir))
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, os.DirFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// validateCmd runs a batch reconciliation from the command line, for the
// monthly close when nobody is sitting at the API.
func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Reconcile a period's registrations against a cut",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, _ := cmd.Flags().GetInt("year")
			month, _ := cmd.Flags().GetInt("month")
			rawDate, _ := cmd.Flags().GetString("snapshot-date")
			actor, _ := cmd.Flags().GetString("actor")

			target, err := enrollment.ParsePeriod(fmt.Sprintf("%04d-%02d", year, month))
			if err != nil {
				return err
			}
			snapshotDate, err := time.Parse("2006-01-02", rawDate)
			if err != nil {
				return fmt.Errorf("invalid --snapshot-date %q: %w", rawDate, err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := newEnrollmentService(pool, cfg, logger)
			batch, err := svc.ReconcileBatch(ctx, target, snapshotDate, actor)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", target, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s for %s against %s: %d checked, %d validated, %d not validated, %d deceased.\n",
				batch.ID, batch.Period, snapshotDate.Format("2006-01-02"),
				batch.Total, batch.Validated, batch.NotValidated, batch.Deceased)
			return nil
		},
	}
	cmd.Flags().Int("year", 0, "Target period year")
	cmd.Flags().Int("month", 0, "Target period month (1-12)")
	cmd.Flags().String("snapshot-date", "", "Cut date to reconcile against (YYYY-MM-DD)")
	cmd.Flags().String("actor", "cli", "Name recorded on the batch")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("month")
	_ = cmd.MarkFlagRequired("snapshot-date")
	return cmd
}

func newEnrollmentService(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) *enrollment.Service {
	svc := enrollment.NewService(
		enrollment.NewSnapshotRepo(pool),
		enrollment.NewRegistrationRepo(pool),
		enrollment.NewPatientRepo(pool),
		enrollment.NewBatchRepo(pool),
		enrollment.NewAuditRepo(pool),
		enrollment.NewTxRunner(db.NewTxManager(pool)),
		logger,
	)
	svc.SetTaxonomy(enrollment.NewTaxonomy(enrollment.TaxonomyConfig{
		AcceptedDecisions:       cfg.Taxonomy.AcceptedDecisions,
		RejectedDecisionMarkers: cfg.Taxonomy.RejectedMarkers,
		NonValidatingReasons:    cfg.Taxonomy.NonValidatingReasons,
		ValidatingReasons:       cfg.Taxonomy.ValidatingReasons,
		DeceasedMarker:          cfg.Taxonomy.DeceasedMarker,
	}))
	svc.SetAutoReconcile(cfg.AutoReconcile)
	return svc
}

// newArchive returns nil when no archive driver is configured, in which case
// load payloads are not kept.
func newArchive(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.ArchiveDriver {
	case "":
		return nil, nil
	case "memory":
		return blobstore.NewInMemoryBlobStore(), nil
	}
	store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		PathStyle: cfg.ArchiveS3PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Summary cache: redis when configured, in-process LRU otherwise
	var summaryCache cache.Store
	redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisCache != nil {
		defer redisCache.Close()
		summaryCache = redisCache
		logger.Info().Msg("summary cache: redis")
	} else {
		summaryCache = cache.NewLRU(cfg.CacheSize, cfg.CacheTTL)
		logger.Info().Int("size", cfg.CacheSize).Msg("summary cache: in-process lru")
	}

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure payload archive")
	}
	if archive == nil {
		logger.Info().Msg("payload archive disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := newEnrollmentService(pool, cfg, logger)
	svc.SetCache(summaryCache, cfg.CacheTTL)
	svc.SetArchive(archive)
	svc.SetMetrics(metrics.New(reg))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User"},
	}))
	e.Use(middleware.BodyLimit("2M", "64M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	checks := []db.Check{{Name: "cache", Ping: summaryCache.Ping}}
	if archive != nil {
		checks = append(checks, db.Check{Name: "archive", Ping: archive.Ping})
	}
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	if cfg.AuthSigningKey != "" {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{SigningKey: []byte(cfg.AuthSigningKey)}))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, using development auth")
		apiV1.Use(auth.DevAuthMiddleware())
	}
	enrollment.NewHandler(svc).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
