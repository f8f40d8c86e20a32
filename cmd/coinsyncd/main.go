// Command coinsyncd serves a replicated multi-currency economy with a
// read-only inspection API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coinsync/pkg/api"
	"coinsync/pkg/bus"
	"coinsync/pkg/bus/local"
	natsbus "coinsync/pkg/bus/nats"
	redisbus "coinsync/pkg/bus/redis"
	"coinsync/pkg/config"
	"coinsync/pkg/economy"
	"coinsync/pkg/logging"
	"coinsync/pkg/messages"
	"coinsync/pkg/metrics"
	memorycollector "coinsync/pkg/metrics/memory"
	promcollector "coinsync/pkg/metrics/prometheus"
	"coinsync/pkg/resilience"
	"coinsync/pkg/store"
	"coinsync/pkg/store/memory"
	redisstore "coinsync/pkg/store/redis"
	"coinsync/pkg/store/sqlite"
	"coinsync/pkg/writer"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coinsyncd: %v\n", err)
		os.Exit(1)
	}
}

// closer runs shutdown steps in reverse registration order, once.
type closer struct {
	steps  []func() error
	logger *logging.Logger
}

func (c *closer) add(name string, fn func() error) {
	c.steps = append(c.steps, func() error {
		if err := fn(); err != nil {
			c.logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func (c *closer) close() error {
	steps := c.steps
	c.steps = nil

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		errs = append(errs, steps[i]())
	}
	return errors.Join(errs...)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetGlobal(logger)
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("server_id", cfg.ServerID))

	currencies, overrides, err := config.LoadCurrencyFile(cfg.CurrenciesFile)
	if err != nil {
		return err
	}
	catalog := messages.NewCatalog()
	if err := catalog.Load(overrides); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	registry := prometheus.NewRegistry()
	prom := promcollector.NewPrometheusCollector(cfg.MetricsNamespace)
	if err := prom.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	snapshots := memorycollector.NewMemoryCollector()
	collector := metrics.Multi{prom, snapshots}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := &closer{logger: logger}
	defer func() { _ = shutdown.close() }()

	backend, schema, raw, err := openBackend(ctx, cfg, collector)
	if err != nil {
		return err
	}
	shutdown.add("backend", backend.Close)

	replication, err := openBus(cfg, raw, logger)
	if err != nil {
		return err
	}
	if replication != nil {
		shutdown.add("bus", replication.Close)
	}

	w := writer.NewAsyncWriterWithMetrics(cfg.Writer, collector)
	shutdown.add("writer", func() error {
		if err := w.Flush(cfg.ShutdownTimeout); err != nil {
			logger.Warn("writer not drained", zap.Error(err), zap.Any("stats", w.Stats()))
		}
		return w.Close()
	})

	eco, err := economy.New(ctx, economy.Config{
		ServerID:   cfg.ServerID,
		Currencies: currencies,
		Backend:    backend,
		Writer:     w,
		Bus:        replication,
		Schema:     schema,
		Metrics:    collector,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	shutdown.add("economy", eco.Close)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.APIAddr
	serverConfig.Writer = w
	serverConfig.Gatherer = registry
	serverConfig.Snapshots = snapshots
	serverConfig.Catalog = catalog
	serverConfig.Logger = logger
	server := api.NewServer(eco, serverConfig)
	if err := server.Start(); err != nil {
		return err
	}
	shutdown.add("api", func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Stop(stopCtx)
	})

	logger.Info("economy running",
		zap.String("backend", backend.Name()),
		zap.String("bus", cfg.Bus),
		zap.String("default_currency", eco.Default().Name),
		zap.Int("currencies", len(currencies)),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return shutdown.close()
}

// openBackend builds the configured store wrapped in timeouts and a circuit
// breaker. raw is the Redis backend when one is in use, for the bus to share
// its pool.
func openBackend(ctx context.Context, cfg config.Config, collector metrics.MetricsCollector) (store.Backend, store.Schema, *redisstore.RedisBackend, error) {
	var (
		backend store.Backend
		schema  = store.Schema{Prefix: cfg.Redis.KeyPrefix}
		raw     *redisstore.RedisBackend
	)

	switch cfg.Backend {
	case config.BackendRedis:
		r, err := redisstore.NewRedisBackend(ctx, cfg.Redis, collector)
		if err != nil {
			return nil, schema, nil, err
		}
		backend, schema, raw = r, r.Schema(), r
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, schema, nil, err
		}
		backend = s
	case config.BackendMemory:
		backend = memory.NewMemoryBackend(memory.MemoryBackendConfig{})
	default:
		return nil, schema, nil, fmt.Errorf("%w: backend %q", config.ErrInvalidConfig, cfg.Backend)
	}

	return resilience.NewResilientBackendWithMetrics(backend, cfg.Resilience, collector), schema, raw, nil
}

// openBus returns nil for BusNone.
func openBus(cfg config.Config, raw *redisstore.RedisBackend, logger *logging.Logger) (bus.Bus, error) {
	switch cfg.Bus {
	case config.BusRedis:
		if raw == nil {
			return nil, fmt.Errorf("%w: redis bus requires the redis backend", config.ErrInvalidConfig)
		}
		return redisbus.New(raw.Pool(), logger), nil
	case config.BusNATS:
		b, err := natsbus.Connect(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BusLocal:
		return local.New(0), nil
	case config.BusNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: bus %q", config.ErrInvalidConfig, cfg.Bus)
	}
}
