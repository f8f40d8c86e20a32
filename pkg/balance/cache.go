// Package balance holds the per-currency balance cache: an in-memory map
// that serves every read, applies local writes immediately and persists and
// publishes them in the background, and absorbs replicated writes from other
// processes without re-publishing them.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"coinsync/pkg/account"
	"coinsync/pkg/bus"
	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"
	"coinsync/pkg/replication"
	"coinsync/pkg/store"
	"coinsync/pkg/writer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Job kinds submitted by the cache.
const (
	KindPersist = "persist"
	KindPublish = "publish"
	KindPurge   = "purge"
)

// State is the lifecycle state of a cache.
type State int32

const (
	StateUninitialized State = iota
	StateLoaded
	StateRunning
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Submitter accepts asynchronous jobs. *writer.AsyncWriter implements it.
type Submitter interface {
	Submit(ctx context.Context, job writer.Job) error
}

// Publisher broadcasts local writes. *replication.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, currency string, id account.Identity, name string, balance decimal.Decimal) error
}

// Config configures a Cache.
type Config struct {
	// Currency owns the cache
	Currency account.Currency

	// Backend is loaded from at startup and written to by the write path
	Backend store.BalanceStore

	// Writer runs persist and publish jobs
	Writer Submitter

	// Publisher broadcasts local writes; nil disables publishing
	Publisher Publisher

	// Bus, Origin and Schema configure the replication listener; a nil Bus
	// disables it
	Bus    bus.Bus
	Origin string
	Schema store.Schema

	// OnApply is called with every replicated update that carries a name
	OnApply func(id account.Identity, name string)

	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
}

// entry is immutable; updates replace the pointer.
type entry struct {
	name    string
	balance decimal.Decimal
}

// Cache is the balance map of one currency.
type Cache struct {
	currency  account.Currency
	backend   store.BalanceStore
	writer    Submitter
	publisher Publisher
	onApply   func(id account.Identity, name string)
	listener  *replication.Listener
	logger    *logging.Logger

	entries sync.Map // account.Identity -> *entry
	size    atomic.Int64
	state   atomic.Int32
}

var _ replication.Applier = (*Cache)(nil)

// New creates the cache of config.Currency, bulk-loads every stored balance
// and subscribes to replicated updates. It fails when the backend cannot be
// read: a cache must not serve a currency from an empty map.
func New(ctx context.Context, config Config) (*Cache, error) {
	if err := config.Currency.Validate(); err != nil {
		return nil, err
	}
	if config.Backend == nil {
		return nil, errors.New("balance: backend is required")
	}
	if config.Writer == nil {
		return nil, errors.New("balance: writer is required")
	}

	c := &Cache{
		currency:  config.Currency,
		backend:   config.Backend,
		writer:    config.Writer,
		publisher: config.Publisher,
		onApply:   config.OnApply,
		logger:    logging.OrGlobal(config.Logger).Named("balance").With(logging.Currency(config.Currency.Name)),
	}

	if err := c.load(ctx); err != nil {
		return nil, err
	}

	if config.Bus != nil {
		c.listener = replication.NewListener(config.Bus, c, replication.ListenerConfig{
			Origin:   config.Origin,
			Currency: config.Currency.Name,
			Schema:   config.Schema,
		}, config.Metrics, config.Logger)
		if err := c.listener.Start(ctx); err != nil {
			return nil, fmt.Errorf("balance: %s: %w", config.Currency.Name, err)
		}
	}
	c.state.Store(int32(StateRunning))

	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	entries, err := c.backend.Balances(ctx, c.currency.Name)
	if err != nil {
		return fmt.Errorf("balance: load %s: %w", c.currency.Name, err)
	}
	for _, e := range entries {
		if _, loaded := c.entries.LoadOrStore(e.Identity, &entry{balance: e.Balance}); !loaded {
			c.size.Add(1)
		}
	}
	c.state.Store(int32(StateLoaded))
	c.logger.Info("balances loaded", zap.Int("accounts", len(entries)))
	return nil
}

// Currency returns the currency served by the cache.
func (c *Cache) Currency() account.Currency {
	return c.currency
}

// State returns the lifecycle state.
func (c *Cache) State() State {
	return State(c.state.Load())
}

// Len returns the number of cached accounts.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Balance returns the local balance of id.
func (c *Cache) Balance(id account.Identity) (decimal.Decimal, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return decimal.Zero, false
	}
	return v.(*entry).balance, true
}

// HasAccount reports whether id has a local balance.
func (c *Cache) HasAccount(id account.Identity) bool {
	_, ok := c.entries.Load(id)
	return ok
}

// Name returns the last known name of id, if any.
func (c *Cache) Name(id account.Identity) string {
	v, ok := c.entries.Load(id)
	if !ok {
		return ""
	}
	return v.(*entry).name
}

// Range calls fn for every cached balance until fn returns false.
func (c *Cache) Range(fn func(id account.Identity, balance decimal.Decimal) bool) {
	c.entries.Range(func(k, v any) bool {
		return fn(k.(account.Identity), v.(*entry).balance)
	})
}

// SetBalance overwrites the balance of id. The local map is updated before
// it returns; persistence and publishing happen asynchronously.
func (c *Cache) SetBalance(id account.Identity, name string, balance decimal.Decimal) {
	for {
		v, ok := c.entries.Load(id)
		if !ok {
			if _, loaded := c.entries.LoadOrStore(id, &entry{name: name, balance: balance}); !loaded {
				c.size.Add(1)
				break
			}
			continue
		}

		cur := v.(*entry)
		next := &entry{name: name, balance: balance}
		if name == "" {
			next.name = cur.name
		}
		if c.entries.CompareAndSwap(id, cur, next) {
			name = next.name
			break
		}
	}
	c.write(id, name, balance)
}

// Apply writes a replicated update to the local map only. The name hook
// runs first, so a name is known by the time its account is visible.
func (c *Cache) Apply(id account.Identity, name string, balance decimal.Decimal) {
	if name != "" && c.onApply != nil {
		c.onApply(id, name)
	}
	if _, loaded := c.entries.Swap(id, &entry{name: name, balance: balance}); !loaded {
		c.size.Add(1)
	}
}

// Mutation computes the next balance from the current one. A non-empty
// reason rejects the update.
type Mutation func(current decimal.Decimal) (next decimal.Decimal, reason string)

// Update applies fn to the balance of id with compare-and-swap. If another
// writer changes the balance between read and swap, fn is re-evaluated
// against the new value, so checks in fn hold for the value replaced.
func (c *Cache) Update(id account.Identity, name string, fn Mutation) Result {
	return c.update(id, name, fn, false)
}

// update is Update; with create set a missing account is evaluated from the
// starting balance and inserted instead of rejected.
func (c *Cache) update(id account.Identity, name string, fn Mutation, create bool) Result {
	for {
		v, ok := c.entries.Load(id)
		if !ok {
			if !create {
				return Failure(ReasonAccountNotFound, decimal.Zero)
			}
			next, reason := fn(c.currency.StartingBalance)
			if reason != "" {
				return Failure(reason, decimal.Zero)
			}
			if _, loaded := c.entries.LoadOrStore(id, &entry{name: name, balance: next}); loaded {
				continue
			}
			c.size.Add(1)
			c.write(id, name, next)
			return Success(next)
		}
		cur := v.(*entry)

		next, reason := fn(cur.balance)
		if reason != "" {
			return Failure(reason, cur.balance)
		}

		n := name
		if n == "" {
			n = cur.name
		}
		if c.entries.CompareAndSwap(id, cur, &entry{name: n, balance: next}) {
			c.write(id, n, next)
			return Success(next)
		}
	}
}

// Deposit credits amount to id, rejecting results above the currency maximum.
// An identity without an account is opened with the starting balance plus
// amount.
func (c *Cache) Deposit(id account.Identity, name string, amount decimal.Decimal) Result {
	return c.credit(id, name, amount, true)
}

// Credit is Deposit for existing accounts only.
func (c *Cache) Credit(id account.Identity, name string, amount decimal.Decimal) Result {
	return c.credit(id, name, amount, false)
}

func (c *Cache) credit(id account.Identity, name string, amount decimal.Decimal, create bool) Result {
	if !amount.IsPositive() {
		return c.invalid(id)
	}
	return c.update(id, name, func(current decimal.Decimal) (decimal.Decimal, string) {
		next := current.Add(amount)
		if c.currency.Exceeds(next) {
			return current, ReasonExceedsMax
		}
		return next, ""
	}, create)
}

// Withdraw debits amount plus the withdrawal tax from id.
func (c *Cache) Withdraw(id account.Identity, name string, amount decimal.Decimal) Result {
	return c.Debit(id, name, amount, c.currency.WithdrawTax(amount))
}

// Debit removes amount plus tax from id, rejecting negative results.
func (c *Cache) Debit(id account.Identity, name string, amount, tax decimal.Decimal) Result {
	if !amount.IsPositive() || tax.IsNegative() {
		return c.invalid(id)
	}
	total := amount.Add(tax)
	return c.Update(id, name, func(current decimal.Decimal) (decimal.Decimal, string) {
		next := current.Sub(total)
		if next.IsNegative() {
			return current, ReasonInsufficientFunds
		}
		return next, ""
	})
}

// Adjust adds delta to the balance of id without funds or ceiling checks.
// It is used for refunds and reverts of movements that already passed them.
func (c *Cache) Adjust(id account.Identity, delta decimal.Decimal) Result {
	return c.Update(id, "", func(current decimal.Decimal) (decimal.Decimal, string) {
		return current.Add(delta), ""
	})
}

// Create seeds id with the starting balance.
func (c *Cache) Create(id account.Identity, name string) Result {
	return c.CreateWith(id, name, c.currency.StartingBalance)
}

// CreateWith seeds id with balance. It fails if the account exists.
func (c *Cache) CreateWith(id account.Identity, name string, balance decimal.Decimal) Result {
	if v, loaded := c.entries.LoadOrStore(id, &entry{name: name, balance: balance}); loaded {
		return Failure(ReasonAccountExists, v.(*entry).balance)
	}
	c.size.Add(1)
	c.write(id, name, balance)
	return Success(balance)
}

// Purge removes id locally and from the backend. Peers keep their copy
// until they reload.
func (c *Cache) Purge(id account.Identity) bool {
	if _, loaded := c.entries.LoadAndDelete(id); !loaded {
		return false
	}
	c.size.Add(-1)

	c.submit(writer.Job{
		Kind:     KindPurge,
		Key:      id.String(),
		Currency: c.currency.Name,
		Run: func(ctx context.Context) error {
			return c.backend.DeleteBalance(ctx, c.currency.Name, id)
		},
	})
	return true
}

func (c *Cache) invalid(id account.Identity) Result {
	current, _ := c.Balance(id)
	return Failure(ReasonInvalidAmount, current)
}

// write queues the persist and publish halves of a local write. Both jobs
// share the identity key, so writes to one identity persist in order.
func (c *Cache) write(id account.Identity, name string, balance decimal.Decimal) {
	key := id.String()
	c.submit(writer.Job{
		Kind:     KindPersist,
		Key:      key,
		Currency: c.currency.Name,
		Run: func(ctx context.Context) error {
			return c.backend.SetBalance(ctx, c.currency.Name, store.Entry{Identity: id, Balance: balance}, name)
		},
	})

	if c.publisher == nil {
		return
	}
	c.submit(writer.Job{
		Kind:     KindPublish,
		Key:      key,
		Currency: c.currency.Name,
		Run: func(ctx context.Context) error {
			return c.publisher.Publish(ctx, c.currency.Name, id, name, balance)
		},
	})
}

func (c *Cache) submit(job writer.Job) {
	if err := c.writer.Submit(context.Background(), job); err != nil {
		c.logger.Desync("write not queued", "", job.Key, job.Kind, 0, err)
	}
}

// Close stops the replication listener. Local reads keep working.
func (c *Cache) Close() error {
	c.state.Store(int32(StateClosed))
	if c.listener == nil {
		return nil
	}
	return c.listener.Close()
}
