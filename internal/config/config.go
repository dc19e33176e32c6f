package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	CacheTTL       time.Duration `mapstructure:"CACHE_TTL"`
	CacheSize      int           `mapstructure:"CACHE_SIZE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AutoReconcile  bool          `mapstructure:"AUTO_RECONCILE"`

	ArchiveDriver      string `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`

	Taxonomy TaxonomyOverrides `mapstructure:"-"`
}

// TaxonomyOverrides replaces the built-in reason taxonomy lists when non-empty.
// Each key is a comma-separated list in the environment.
type TaxonomyOverrides struct {
	AcceptedDecisions    []string
	RejectedMarkers      []string
	NonValidatingReasons []string
	ValidatingReasons    []string
	DeceasedMarker       string
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "CACHE_TTL", "CACHE_SIZE", "CORS_ORIGINS", "AUTH_SIGNING_KEY",
	"AUTO_RECONCILE", "ARCHIVE_DRIVER", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION",
	"ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE",
	"TAXONOMY_ACCEPTED_DECISIONS", "TAXONOMY_REJECTED_MARKERS",
	"TAXONOMY_NON_VALIDATING_REASONS", "TAXONOMY_VALIDATING_REASONS",
	"TAXONOMY_DECEASED_MARKER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CACHE_TTL", "10m")
	v.SetDefault("CACHE_SIZE", 256)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTO_RECONCILE", true)
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}

	cfg.Taxonomy = TaxonomyOverrides{
		AcceptedDecisions:    splitList(v.GetString("TAXONOMY_ACCEPTED_DECISIONS")),
		RejectedMarkers:      splitList(v.GetString("TAXONOMY_REJECTED_MARKERS")),
		NonValidatingReasons: splitList(v.GetString("TAXONOMY_NON_VALIDATING_REASONS")),
		ValidatingReasons:    splitList(v.GetString("TAXONOMY_VALIDATING_REASONS")),
		DeceasedMarker:       strings.TrimSpace(v.GetString("TAXONOMY_DECEASED_MARKER")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key is required so the actor recorded on audits comes from a
// verified token.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("CACHE_SIZE must be positive, got %d", c.CacheSize)
	}

	switch c.ArchiveDriver {
	case "":
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("ARCHIVE_DRIVER \"memory\" keeps every payload in process memory; use \"s3\" or leave it empty in production")
		}
	case "s3":
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is \"s3\"")
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be empty, \"memory\" or \"s3\", got %q", c.ArchiveDriver)
	}

	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
