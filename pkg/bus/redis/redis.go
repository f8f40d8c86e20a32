// Package redis is a bus.Bus over Redis pub/sub. It shares the connection
// pool of the Redis store; a subscription pins its connection for as long
// as it is receiving, and grows the pool by one slot so store traffic keeps
// the configured number of unpinned connections.
package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"coinsync/pkg/bus"
	"coinsync/pkg/logging"
	"coinsync/pkg/pool"
	redisstore "coinsync/pkg/store/redis"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// Bus publishes and subscribes through pooled rueidis clients.
type Bus struct {
	pool   *pool.Pool[*redisstore.Conn]
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// resubscribeMax caps the delay between re-subscription attempts
	resubscribeMax time.Duration

	// unsubscribeTimeout bounds the UNSUBSCRIBE sent when a subscription closes
	unsubscribeTimeout time.Duration
}

var _ bus.Bus = (*Bus)(nil)

// New creates a bus on p. The pool is not closed by Close.
func New(p *pool.Pool[*redisstore.Conn], logger *logging.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pool:           p,
		logger:         logging.OrGlobal(logger).Named("bus.redis"),
		ctx:            ctx,
		cancel:         cancel,
		resubscribeMax: 5 * time.Second,

		unsubscribeTimeout: time.Second,
	}
}

// Name returns "redis".
func (b *Bus) Name() string {
	return "redis"
}

// Publish sends payload with PUBLISH.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	if b.ctx.Err() != nil {
		return bus.ErrClosed
	}
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	c := conn.Client()
	err = c.Do(ctx, c.B().Publish().Channel(channel).Message(payload).Build()).Error()
	if err != nil {
		if _, ok := rueidis.IsRedisErr(err); !ok && ctx.Err() == nil {
			_ = conn.Close()
		}
	}
	return err
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops receiving and waits for the receive loop to exit.
func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Subscribe starts a receive loop for channel. When the connection fails the
// loop acquires a fresh connection from the pool and subscribes again.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	if b.ctx.Err() != nil {
		return nil, bus.ErrClosed
	}

	b.pool.Expand(1)

	subCtx, cancel := context.WithCancel(b.ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(sub.done)
		b.receiveLoop(subCtx, channel, handler)
	}()

	return sub, nil
}

func (b *Bus) receiveLoop(ctx context.Context, channel string, handler bus.Handler) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 50 * time.Millisecond
	retry.MaxInterval = b.resubscribeMax

	for {
		err := b.receive(ctx, channel, handler, retry)
		if ctx.Err() != nil {
			return
		}

		delay := retry.NextBackOff()
		b.logger.Warn("subscription lost, resubscribing",
			zap.String("channel", channel),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) receive(ctx context.Context, channel string, handler bus.Handler, retry backoff.BackOff) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	unpin := conn.Pin()
	defer unpin()

	c := conn.Client()
	err = c.Receive(ctx, c.B().Subscribe().Channel(channel).Build(), func(msg rueidis.PubSubMessage) {
		retry.Reset()
		handler(msg.Channel, msg.Message)
	})
	if err == nil {
		err = errors.New("subscription ended")
	}
	if ctx.Err() != nil {
		b.unsubscribe(c, channel)
		return err
	}
	if _, ok := rueidis.IsRedisErr(err); !ok {
		// the slot is redialed on next Acquire
		_ = conn.Close()
	}
	return err
}

// unsubscribe tells the server to stop pushing channel. Receive returns on
// cancellation without doing so.
func (b *Bus) unsubscribe(c rueidis.Client, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.unsubscribeTimeout)
	defer cancel()
	if err := c.Do(ctx, c.B().Unsubscribe().Channel(channel).Build()).Error(); err != nil {
		b.logger.Debug("unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Close stops every subscription.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
