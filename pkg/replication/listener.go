package replication

import (
	"context"
	"fmt"
	"sync"

	"coinsync/pkg/account"
	"coinsync/pkg/bus"
	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Applier receives updates from other processes. Apply must write to local
// state only; it must not persist or publish again.
type Applier interface {
	Apply(id account.Identity, name string, balance decimal.Decimal)
}

// Listener applies the updates of one currency.
type Listener struct {
	bus      bus.Bus
	origin   string
	currency string
	channel  string
	applier  Applier
	metrics  metrics.MetricsCollector
	logger   *logging.Logger

	mu  sync.Mutex
	sub bus.Subscription
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Origin is this process's server id; updates carrying it are discarded
	Origin string

	// Currency selects the update channel
	Currency string

	// Schema names the channel (default: store.DefaultSchema)
	Schema store.Schema
}

// NewListener creates a listener. It does not subscribe until Start.
func NewListener(b bus.Bus, applier Applier, config ListenerConfig, collector metrics.MetricsCollector, logger *logging.Logger) *Listener {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Listener{
		bus:      b,
		origin:   config.Origin,
		currency: config.Currency,
		channel:  config.Schema.UpdateChannel(config.Currency),
		applier:  applier,
		metrics:  collector,
		logger:   logging.OrGlobal(logger).Named("replication").With(zap.String("currency", config.Currency)),
	}
}

// Channel returns the subscribed channel name.
func (l *Listener) Channel() string {
	return l.channel
}

// Start subscribes to the currency's channel.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub != nil {
		return nil
	}
	sub, err := l.bus.Subscribe(ctx, l.channel, l.Handle)
	if err != nil {
		return fmt.Errorf("replication: subscribe %s: %w", l.channel, err)
	}
	l.sub = sub
	l.logger.Info("listening", zap.String("channel", l.channel), zap.String("bus", l.bus.Name()))
	return nil
}

// Handle processes one payload. Malformed payloads are logged and dropped.
func (l *Listener) Handle(_ string, payload string) {
	update, err := Decode(payload)
	if err != nil {
		l.metrics.RecordReplication(l.currency, metrics.ReplicationMalformed)
		l.logger.Warn("dropping malformed replication message",
			zap.String("payload", payload),
			zap.Error(err),
		)
		return
	}

	if update.Origin == l.origin {
		l.metrics.RecordReplication(l.currency, metrics.ReplicationEcho)
		return
	}

	l.applier.Apply(update.Identity, update.Name, update.Balance)
	l.metrics.RecordReplication(l.currency, metrics.ReplicationApplied)
}

// Close unsubscribes.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub == nil {
		return nil
	}
	err := l.sub.Close()
	l.sub = nil
	return err
}
