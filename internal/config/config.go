package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Load reads a YAML file, then
// COVER_* environment variables override individual fields.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Engine struct {
		Denomination        string `yaml:"denomination"`
		RecordScope         string `yaml:"record_scope"` // buyer | policy
		StrictExpiry        bool   `yaml:"strict_expiry"`
		IdempotencyCapacity int    `yaml:"idempotency_capacity"`
		Custody             bool   `yaml:"custody"` // mirror the pool in an in-memory vault
	} `yaml:"engine"`

	Clock struct {
		StartEpoch    uint64 `yaml:"start_epoch"`
		EpochSchedule string `yaml:"epoch_schedule"` // six-field cron; empty disables the ticker
	} `yaml:"clock"`

	// Postgres is optional; without a DSN the service runs in memory.
	Postgres struct {
		DSN           string `yaml:"dsn"`
		MaxOpenConns  int    `yaml:"max_open_conns"`
		MigrationsDir string `yaml:"migrations_dir"`
	} `yaml:"postgres"`

	Redis struct {
		URL string        `yaml:"url"`
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`

	Auth struct {
		JWTSigningKey string `yaml:"jwt_signing_key"`
		Issuer        string `yaml:"issuer"`
	} `yaml:"auth"`

	Channels struct {
		PersistSize    int `yaml:"persist_size"`
		ProjectionSize int `yaml:"projection_size"`
		PublishSize    int `yaml:"publish_size"`
		IngestSize     int `yaml:"ingest_size"`
	} `yaml:"channels"`

	Persistence struct {
		BatchSize        int           `yaml:"batch_size"`
		FlushTimeout     time.Duration `yaml:"flush_timeout"`
		SnapshotInterval int64         `yaml:"snapshot_interval"` // take a snapshot every N commands
		SnapshotCheck    time.Duration `yaml:"snapshot_check"`
	} `yaml:"persistence"`

	History struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"history"`
}

// Default returns a development configuration: in-memory, no bus.
func Default() *Config {
	cfg := &Config{LogLevel: "info"}

	cfg.Engine.Denomination = "USDC"
	cfg.Engine.RecordScope = "buyer"
	cfg.Engine.IdempotencyCapacity = 1_000_000

	cfg.Clock.EpochSchedule = "0 * * * * *"

	cfg.Postgres.MaxOpenConns = 20
	cfg.Postgres.MigrationsDir = "migrations"

	cfg.Redis.TTL = 72 * time.Hour

	cfg.Server.GRPCAddr = ":9090"
	cfg.Server.HTTPAddr = ":8080"

	cfg.Auth.Issuer = "coverledger"

	cfg.Channels.PersistSize = 1024
	cfg.Channels.ProjectionSize = 2048
	cfg.Channels.PublishSize = 4096
	cfg.Channels.IngestSize = 4096

	cfg.Persistence.BatchSize = 50
	cfg.Persistence.FlushTimeout = 10 * time.Millisecond
	cfg.Persistence.SnapshotInterval = 100_000
	cfg.Persistence.SnapshotCheck = 10 * time.Second

	cfg.History.Capacity = 10_000
	return cfg
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("COVER_LOG_LEVEL", &c.LogLevel)

	envString("COVER_DENOMINATION", &c.Engine.Denomination)
	envString("COVER_RECORD_SCOPE", &c.Engine.RecordScope)
	envString("COVER_EPOCH_SCHEDULE", &c.Clock.EpochSchedule)
	envString("COVER_POSTGRES_DSN", &c.Postgres.DSN)
	envString("COVER_MIGRATIONS_DIR", &c.Postgres.MigrationsDir)
	envString("COVER_REDIS_URL", &c.Redis.URL)
	envString("COVER_NATS_URL", &c.NATS.URL)
	envString("COVER_GRPC_ADDR", &c.Server.GRPCAddr)
	envString("COVER_HTTP_ADDR", &c.Server.HTTPAddr)
	envString("COVER_JWT_SIGNING_KEY", &c.Auth.JWTSigningKey)
	envString("COVER_JWT_ISSUER", &c.Auth.Issuer)

	var errs []error
	errs = append(errs,
		envBool("COVER_STRICT_EXPIRY", &c.Engine.StrictExpiry),
		envBool("COVER_CUSTODY", &c.Engine.Custody),
		envInt("COVER_IDEMPOTENCY_LRU_CAPACITY", &c.Engine.IdempotencyCapacity),
		envInt("COVER_PERSIST_CHAN_SIZE", &c.Channels.PersistSize),
		envInt("COVER_PROJECTION_CHAN_SIZE", &c.Channels.ProjectionSize),
		envInt("COVER_PERSIST_BATCH_SIZE", &c.Persistence.BatchSize),
		envInt64("COVER_SNAPSHOT_INTERVAL", &c.Persistence.SnapshotInterval),
		envDuration("COVER_PERSIST_FLUSH_TIMEOUT", &c.Persistence.FlushTimeout),
		envDuration("COVER_REDIS_TTL", &c.Redis.TTL),
	)

	if v := os.Getenv("COVER_START_EPOCH"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("COVER_START_EPOCH: %w", err))
		} else {
			c.Clock.StartEpoch = n
		}
	}
	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := ledger.GetAssetID(c.Engine.Denomination); !ok {
		errs = append(errs, fmt.Errorf("engine.denomination %q is not a known asset", c.Engine.Denomination))
	}
	if _, err := state.ParseRecordScope(c.Engine.RecordScope); err != nil {
		errs = append(errs, fmt.Errorf("engine.record_scope: %w", err))
	}
	if c.Engine.IdempotencyCapacity <= 0 {
		errs = append(errs, errors.New("engine.idempotency_capacity must be positive"))
	}
	if c.Clock.EpochSchedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Clock.EpochSchedule); err != nil {
			errs = append(errs, fmt.Errorf("clock.epoch_schedule: %w", err))
		}
	}
	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		errs = append(errs, errors.New("redis.ttl must be positive"))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Auth.JWTSigningKey != "" && len(c.Auth.JWTSigningKey) < 32 {
		errs = append(errs, errors.New("auth.jwt_signing_key must be at least 32 bytes"))
	}
	if c.Channels.PersistSize <= 0 || c.Channels.ProjectionSize <= 0 || c.Channels.PublishSize <= 0 || c.Channels.IngestSize <= 0 {
		errs = append(errs, errors.New("channel sizes must be positive"))
	}
	if c.Persistence.BatchSize <= 0 {
		errs = append(errs, errors.New("persistence.batch_size must be positive"))
	}
	if c.Persistence.FlushTimeout <= 0 || c.Persistence.SnapshotCheck <= 0 {
		errs = append(errs, errors.New("persistence timeouts must be positive"))
	}
	if c.History.Capacity <= 0 {
		errs = append(errs, errors.New("history.capacity must be positive"))
	}

	return errors.Join(errs...)
}

// InMemory reports whether the service runs without Postgres.
func (c *Config) InMemory() bool {
	return c.Postgres.DSN == ""
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
