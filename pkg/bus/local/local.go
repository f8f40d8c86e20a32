// Package local is an in-process bus.Bus. Every Bus value is one broker;
// several subscribers on one broker model several processes in tests.
package local

import (
	"context"
	"sync"

	"coinsync/pkg/bus"
)

// Bus fans messages out to in-process subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool

	bufferSize int
}

type message struct {
	channel string
	payload string
}

type subscription struct {
	bus     *Bus
	channel string
	queue   chan message
	once    sync.Once
	done    chan struct{}
}

var _ bus.Bus = (*Bus)(nil)

// New creates a broker. bufferSize <= 0 means 256.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subs:       make(map[string]map[*subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Name returns "local".
func (b *Bus) Name() string {
	return "local"
}

// Publish enqueues payload for every current subscriber of channel. It
// blocks while a subscriber's queue is full, unless ctx ends first.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return bus.ErrClosed
	}

	msg := message{channel: channel, payload: payload}
	for sub := range b.subs[channel] {
		select {
		case sub.queue <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler on channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}

	sub := &subscription{
		bus:     b,
		channel: channel,
		queue:   make(chan message, b.bufferSize),
		done:    make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}

	go sub.run(handler)
	return sub, nil
}

func (s *subscription) run(handler bus.Handler) {
	for {
		select {
		case msg := <-s.queue:
			handler(msg.channel, msg.payload)
		case <-s.done:
			return
		}
	}
}

// Close removes the subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		// done first, so a Publish blocked on a full queue lets go of the lock
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs[s.channel], s)
		s.bus.mu.Unlock()
	})
	return nil
}

// Close closes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
