package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"coinsync/pkg/pool"

	"github.com/redis/rueidis"
)

// Conn is one pooled Redis client. It is closed as soon as a command fails
// with a transport error so the pool redials the slot on next use.
type Conn struct {
	client rueidis.Client
	closed atomic.Bool
	pinned atomic.Int32
}

var _ pool.Conn = (*Conn)(nil)

// Client returns the underlying rueidis client.
func (c *Conn) Client() rueidis.Client {
	return c.client
}

// Open reports whether the connection can still serve commands.
func (c *Conn) Open() bool {
	return !c.closed.Load()
}

// Pinned reports whether a caller currently reserves the connection.
func (c *Conn) Pinned() bool {
	return c.pinned.Load() > 0
}

// Pin reserves the connection until the returned func is called.
func (c *Conn) Pin() (unpin func()) {
	c.pinned.Add(1)
	return func() { c.pinned.Add(-1) }
}

// Close closes the client once.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.client.Close()
	}
	return nil
}

// observe closes the connection when err is a transport failure.
func (c *Conn) observe(err error) {
	if err == nil || rueidis.IsRedisNil(err) {
		return
	}
	if _, ok := rueidis.IsRedisErr(err); ok {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	_ = c.Close()
}

// Dialer returns a pool.Dialer that connects with the given configuration.
// The client is always a single-node client: the balance script touches
// keys in several hash slots, which a cluster client refuses.
func Dialer(config RedisBackendConfig) pool.Dialer[*Conn] {
	return func(ctx context.Context) (*Conn, error) {
		if config.Addr == "" {
			return nil, fmt.Errorf("redis: no address configured")
		}

		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress:      []string{config.Addr},
			Username:         config.Username,
			Password:         config.Password,
			SelectDB:         config.DB,
			ConnWriteTimeout: config.WriteTimeout,
			MaxFlushDelay:    100 * time.Microsecond,
			DisableCache:     true,
			AlwaysRESP2:      config.AlwaysRESP2,

			ForceSingleClient: true,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: failed to create client: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()

		if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis: failed to ping server: %w", err)
		}

		return &Conn{client: client}, nil
	}
}
