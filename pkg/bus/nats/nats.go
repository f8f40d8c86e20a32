// Package nats is a bus.Bus over core NATS subjects. The NATS client
// re-establishes subscriptions on reconnect.
package nats

import (
	"context"
	"fmt"
	"time"

	"coinsync/pkg/bus"
	"coinsync/pkg/logging"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config holds NATS configuration.
type Config struct {
	URL            string        `env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Name           string        `env:"CLIENT_NAME" envDefault:"coinsync"`
	ReconnectWait  time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	MaxReconnects  int           `env:"MAX_RECONNECTS" envDefault:"-1"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"2s"`
}

// DefaultConfig returns a configuration for a local server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "coinsync",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 2 * time.Second,
	}
}

// Bus wraps a NATS connection.
type Bus struct {
	conn   *nats.Conn
	logger *logging.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials the server.
func Connect(cfg Config, logger *logging.Logger) (*Bus, error) {
	logger = logging.OrGlobal(logger).Named("bus.nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Bus{conn: conn, logger: logger}, nil
}

// Name returns "nats".
func (b *Bus) Name() string {
	return "nats"
}

// Publish sends payload on the subject named channel.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	if b.conn.IsClosed() {
		return bus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(channel, []byte(payload))
}

// Subscribe registers handler on the subject named channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	if b.conn.IsClosed() {
		return nil, bus.ErrClosed
	}

	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Subject, string(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return &subscription{sub: sub}, nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Close() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Close drains nothing; it closes the connection immediately.
func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}
