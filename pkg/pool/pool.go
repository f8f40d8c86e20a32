// Package pool multiplexes operations over a bounded set of reusable store
// connections. Slots are chosen round-robin without locks and populated lazily.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"

	"go.uber.org/zap"
)

// Errors returned by the pool.
var (
	// ErrPoolClosed is returned by Acquire after Close
	ErrPoolClosed = errors.New("pool: closed")

	// ErrPoolExhausted is returned when every slot is pinned and the overflow budget is spent
	ErrPoolExhausted = errors.New("pool: all connections pinned")
)

// Conn is a connection held by the pool.
type Conn interface {
	// Open reports whether the connection can still serve commands.
	Open() bool

	// Pinned reports whether the connection is reserved by a caller,
	// for example while a MULTI/EXEC block or a subscription owns it.
	Pinned() bool

	// Close releases the connection.
	Close() error
}

// Dialer opens a new connection. It must honour ctx for its connect timeout.
type Dialer[C Conn] func(ctx context.Context) (C, error)

// Config configures a pool.
type Config struct {
	// Name identifies the pool in logs and metrics
	Name string

	// Size is the initial number of slots (default: 4)
	Size int

	// MaxOverflow is how many extra slots may be added when all slots are pinned
	// (default: Size)
	MaxOverflow int
}

// DefaultConfig returns a pool configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "store",
		Size:        4,
		MaxOverflow: 4,
	}
}

type holder[C Conn] struct {
	conn C
}

type slot[C Conn] struct {
	current atomic.Pointer[holder[C]]
}

// Pool hands out connections from a fixed, expandable array of slots.
// Replacement of a dead connection is not mutually excluded: two callers may
// dial for the same slot concurrently, the loser closes its duplicate.
type Pool[C Conn] struct {
	name    string
	dial    Dialer[C]
	next    atomic.Uint64
	slots   atomic.Pointer[[]*slot[C]]
	grow    sync.Mutex
	closed  atomic.Bool
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	maxOverflow int
	overflow    atomic.Int64
}

// New creates a pool. No connection is opened until the first Acquire.
func New[C Conn](dial Dialer[C], config Config) *Pool[C] {
	return NewWithMetrics(dial, config, metrics.NoOpCollector{})
}

// NewWithMetrics creates a pool reporting dials to the given collector.
func NewWithMetrics[C Conn](dial Dialer[C], config Config, collector metrics.MetricsCollector) *Pool[C] {
	// Apply defaults
	if config.Name == "" {
		config.Name = "store"
	}
	if config.Size <= 0 {
		config.Size = 4
	}
	if config.MaxOverflow < 0 {
		config.MaxOverflow = 0
	} else if config.MaxOverflow == 0 {
		config.MaxOverflow = config.Size
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	p := &Pool[C]{
		name:        config.Name,
		dial:        dial,
		metrics:     collector,
		logger:      logging.Global().Named("pool").Named(config.Name),
		maxOverflow: config.MaxOverflow,
	}

	slots := make([]*slot[C], config.Size)
	for i := range slots {
		slots[i] = &slot[C]{}
	}
	p.slots.Store(&slots)

	return p
}

// Acquire returns a usable connection. An open, unpinned connection in the
// selected slot is returned as is; a pinned one moves the scan to the next
// slot; an empty or closed one is replaced synchronously. When every slot is
// pinned the pool grows by one overflow slot.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	if p.closed.Load() {
		return zero, ErrPoolClosed
	}

	slots := *p.slots.Load()
	n := uint64(len(slots))

	// Bounded scan: at most one visit per slot.
	for i := uint64(0); i < n; i++ {
		s := slots[(p.next.Add(1)-1)%n]

		h := s.current.Load()
		if h == nil || !h.conn.Open() {
			return p.connect(ctx, s, h, false)
		}
		if h.conn.Pinned() {
			continue
		}
		return h.conn, nil
	}

	return p.acquireOverflow(ctx)
}

// acquireOverflow adds one slot beyond the configured size and dials it.
func (p *Pool[C]) acquireOverflow(ctx context.Context) (C, error) {
	var zero C
	if p.overflow.Add(1) > int64(p.maxOverflow) {
		p.overflow.Add(-1)
		p.logger.Warn("all connections pinned and overflow exhausted",
			zap.Int("slots", p.Size()),
			zap.Int("max_overflow", p.maxOverflow),
		)
		return zero, ErrPoolExhausted
	}

	s := p.expand(1)[0]
	return p.connect(ctx, s, nil, true)
}

// connect dials a connection for s, replacing old if it is still current.
func (p *Pool[C]) connect(ctx context.Context, s *slot[C], old *holder[C], overflow bool) (C, error) {
	var zero C

	conn, err := p.dial(ctx)
	p.metrics.RecordPoolDial(p.name, overflow, err == nil)
	if err != nil {
		return zero, fmt.Errorf("pool %s: dial: %w", p.name, err)
	}

	fresh := &holder[C]{conn: conn}
	if s.current.CompareAndSwap(old, fresh) {
		if old != nil {
			_ = old.conn.Close()
		}
		return conn, nil
	}

	// Another caller replaced the slot first; keep theirs if usable.
	winner := s.current.Load()
	if winner != nil && winner.conn.Open() {
		_ = conn.Close()
		return winner.conn, nil
	}
	s.current.Store(fresh)
	return conn, nil
}

// Expand grows the pool by n slots. New slots are populated on first use.
func (p *Pool[C]) Expand(n int) {
	if n <= 0 {
		return
	}
	p.expand(n)
}

func (p *Pool[C]) expand(n int) []*slot[C] {
	p.grow.Lock()
	defer p.grow.Unlock()

	current := *p.slots.Load()
	grown := make([]*slot[C], len(current), len(current)+n)
	copy(grown, current)

	added := make([]*slot[C], n)
	for i := range added {
		added[i] = &slot[C]{}
	}
	grown = append(grown, added...)
	p.slots.Store(&grown)

	return added
}

// Size returns the current number of slots.
func (p *Pool[C]) Size() int {
	return len(*p.slots.Load())
}

// OpenConns returns how many slots hold an open connection.
func (p *Pool[C]) OpenConns() int {
	count := 0
	for _, s := range *p.slots.Load() {
		if h := s.current.Load(); h != nil && h.conn.Open() {
			count++
		}
	}
	return count
}

// Close stops handing out connections and closes every slot's connection
// concurrently. It returns once all closes have finished.
func (p *Pool[C]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	slots := *p.slots.Load()
	errs := make([]error, len(slots))

	var wg sync.WaitGroup
	for i, s := range slots {
		h := s.current.Swap(nil)
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(i int, c C) {
			defer wg.Done()
			errs[i] = c.Close()
		}(i, h.conn)
	}
	wg.Wait()

	return errors.Join(errs...)
}
