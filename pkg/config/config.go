// Package config loads the process configuration from the environment and
// the currency definitions from a YAML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"coinsync/pkg/bus/nats"
	"coinsync/pkg/logging"
	"coinsync/pkg/resilience"
	redisstore "coinsync/pkg/store/redis"
	"coinsync/pkg/store/sqlite"
	"coinsync/pkg/writer"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "COINSYNC_"

// Backend kinds.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Bus kinds. BusNone runs a single process without replication.
const (
	BusRedis = "redis"
	BusNATS  = "nats"
	BusLocal = "local"
	BusNone  = "none"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid")

// Config is the complete process configuration.
type Config struct {
	// ServerID identifies this process on the bus (default: random UUID)
	ServerID string `env:"SERVER_ID"`

	Backend string `env:"BACKEND" envDefault:"redis"`
	Bus     string `env:"BUS" envDefault:"redis"`

	// CurrenciesFile is the YAML file with currency definitions and message overrides
	CurrenciesFile string `env:"CURRENCIES_FILE" envDefault:"currencies.yaml"`

	APIAddr          string        `env:"API_ADDR" envDefault:":8080"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"coinsync"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Redis      redisstore.RedisBackendConfig `envPrefix:"REDIS_"`
	SQLite     sqlite.SQLiteBackendConfig    `envPrefix:"SQLITE_"`
	NATS       nats.Config                   `envPrefix:"NATS_"`
	Writer     writer.AsyncWriterConfig      `envPrefix:"WRITER_"`
	Resilience resilience.ResilientConfig    `envPrefix:"STORE_"`
	Log        logging.Config                `envPrefix:"LOG_"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	return LoadEnvironment(nil)
}

// LoadEnvironment parses environ instead of the process environment when it
// is non-nil.
func LoadEnvironment(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and combinations.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("%w: backend %q", ErrInvalidConfig, c.Backend)
	}
	switch c.Bus {
	case BusRedis, BusNATS, BusLocal, BusNone:
	default:
		return fmt.Errorf("%w: bus %q", ErrInvalidConfig, c.Bus)
	}
	if c.Bus == BusRedis && c.Backend != BackendRedis {
		return fmt.Errorf("%w: redis bus requires the redis backend", ErrInvalidConfig)
	}
	if c.ServerID == "" {
		return fmt.Errorf("%w: empty server id", ErrInvalidConfig)
	}
	if c.Writer.MaxAttempts < 1 {
		return fmt.Errorf("%w: writer max attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Redis.PoolSize < 1 {
		return fmt.Errorf("%w: redis pool size must be at least 1", ErrInvalidConfig)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
