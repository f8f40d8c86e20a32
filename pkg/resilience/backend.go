// Package resilience wraps a store.Backend with per-call timeouts and a
// circuit breaker, reporting every call to a metrics collector.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientBackend wraps a store.Backend with circuit breaker and timeout
// protection.
type ResilientBackend struct {
	backend store.Backend
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

var _ store.Backend = (*ResilientBackend)(nil)

// NewResilientBackend creates a wrapper reporting to a no-op collector.
func NewResilientBackend(backend store.Backend, config ResilientConfig) *ResilientBackend {
	return NewResilientBackendWithMetrics(backend, config, metrics.NoOpCollector{})
}

// NewResilientBackendWithMetrics creates a wrapper with custom metrics collector.
func NewResilientBackendWithMetrics(backend store.Backend, config ResilientConfig, collector metrics.MetricsCollector) *ResilientBackend {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	logger := logging.Global().Named("resilience").Named(backend.Name())

	rb := &ResilientBackend{
		backend: backend,
		timeout: config.Timeout,
		metrics: collector,
		logger:  logger,
	}

	logger.Info("resilient backend initialized",
		zap.String("backend", backend.Name()),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	trip := config.CircuitBreakerConfig.readyToTrip()
	settings := gobreaker.Settings{
		Name:        backend.Name(),
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return trip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			rb.metrics.RecordCircuitState(name, state)
		},
	}

	rb.cb = gobreaker.NewCircuitBreaker(settings)

	return rb
}

// isSuccessful reports which errors leave the breaker untouched. Missing or
// malformed data and caller cancellation say nothing about backend health.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, store.ErrTransactionNotFound) ||
		errors.Is(err, store.ErrInvalidRecord) ||
		errors.Is(err, context.Canceled)
}

// State returns the current circuit breaker state.
func (rb *ResilientBackend) State() metrics.CircuitState {
	switch rb.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Unwrap returns the wrapped backend.
func (rb *ResilientBackend) Unwrap() store.Backend {
	return rb.backend
}

// call runs fn through the timeout and circuit breaker.
func call[T any](rb *ResilientBackend, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	name := rb.backend.Name()

	if rb.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rb.timeout)
		defer cancel()
	}

	result, err := rb.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	duration := time.Since(start)
	rb.metrics.RecordBackendCall(name, op, isSuccessful(err), duration)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			rb.logger.Warn("circuit breaker open - request rejected",
				zap.String("operation", op),
			)
			return zero, fmt.Errorf("%w: %s", store.ErrCircuitOpen, op)
		}
		if ctx.Err() == context.DeadlineExceeded && !errors.Is(err, store.ErrTimeout) {
			rb.logger.Warn("operation timeout",
				zap.String("operation", op),
				zap.Duration("timeout", rb.timeout),
				zap.Duration("elapsed", duration),
			)
			return zero, fmt.Errorf("%w: %w", store.ErrTimeout, err)
		}
		if !isSuccessful(err) {
			rb.logger.Error("backend operation failed",
				zap.String("operation", op),
				zap.Duration("duration", duration),
				zap.String("class", store.ClassifyError(err)),
				zap.Error(err),
			)
		}
		// Execute may hand back a non-nil result alongside the error
		if v, ok := result.(T); ok {
			return v, err
		}
		return zero, err
	}

	if result == nil {
		return zero, nil
	}
	return result.(T), nil
}

// exec is call for operations without a result.
func exec(rb *ResilientBackend, ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := call(rb, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type balanceResult struct {
	value decimal.Decimal
	found bool
}

type recordResult struct {
	record string
	found  bool
}

// Name returns the name of the underlying backend.
func (rb *ResilientBackend) Name() string {
	return rb.backend.Name()
}

// Close closes the underlying backend.
func (rb *ResilientBackend) Close() error {
	return rb.backend.Close()
}

// Balances implements store.Backend.
func (rb *ResilientBackend) Balances(ctx context.Context, currency string) ([]store.Entry, error) {
	return call(rb, ctx, "balances", func(ctx context.Context) ([]store.Entry, error) {
		return rb.backend.Balances(ctx, currency)
	})
}

// OrderedBalances implements store.Backend.
func (rb *ResilientBackend) OrderedBalances(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
	return call(rb, ctx, "ordered_balances", func(ctx context.Context) ([]store.Entry, error) {
		return rb.backend.OrderedBalances(ctx, currency, limit)
	})
}

// Balance implements store.Backend.
func (rb *ResilientBackend) Balance(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error) {
	res, err := call(rb, ctx, "balance", func(ctx context.Context) (balanceResult, error) {
		v, ok, err := rb.backend.Balance(ctx, currency, id)
		return balanceResult{value: v, found: ok}, err
	})
	return res.value, res.found, err
}

// MaxBalances implements store.Backend.
func (rb *ResilientBackend) MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error) {
	return call(rb, ctx, "max_balances", func(ctx context.Context) (map[account.Identity]decimal.Decimal, error) {
		return rb.backend.MaxBalances(ctx, currency)
	})
}

// SetBalance implements store.Backend.
func (rb *ResilientBackend) SetBalance(ctx context.Context, currency string, entry store.Entry, name string) error {
	return exec(rb, ctx, "set_balance", func(ctx context.Context) error {
		return rb.backend.SetBalance(ctx, currency, entry, name)
	})
}

// DeleteBalance implements store.Backend.
func (rb *ResilientBackend) DeleteBalance(ctx context.Context, currency string, id account.Identity) error {
	return exec(rb, ctx, "delete_balance", func(ctx context.Context) error {
		return rb.backend.DeleteBalance(ctx, currency, id)
	})
}

// BulkSetBalances implements store.Backend. Bulk imports are not bounded by
// the per-call timeout; ctx alone limits them.
func (rb *ResilientBackend) BulkSetBalances(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error {
	_, err := rb.cb.Execute(func() (interface{}, error) {
		return nil, rb.backend.BulkSetBalances(ctx, currency, entries, names)
	})
	rb.metrics.RecordBackendCall(rb.backend.Name(), "bulk_set_balances", err == nil, 0)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: bulk_set_balances", store.ErrCircuitOpen)
	}
	return err
}

// NameIndex implements store.Backend.
func (rb *ResilientBackend) NameIndex(ctx context.Context) (map[string]account.Identity, error) {
	return call(rb, ctx, "name_index", func(ctx context.Context) (map[string]account.Identity, error) {
		return rb.backend.NameIndex(ctx)
	})
}

// LockRelations implements store.Backend.
func (rb *ResilientBackend) LockRelations(ctx context.Context) (map[account.Identity][]account.Identity, error) {
	return call(rb, ctx, "lock_relations", func(ctx context.Context) (map[account.Identity][]account.Identity, error) {
		return rb.backend.LockRelations(ctx)
	})
}

// SetLockRelation implements store.Backend.
func (rb *ResilientBackend) SetLockRelation(ctx context.Context, owner account.Identity, locked []account.Identity) error {
	return exec(rb, ctx, "set_lock_relation", func(ctx context.Context) error {
		return rb.backend.SetLockRelation(ctx, owner, locked)
	})
}

// BankOwners implements store.Backend.
func (rb *ResilientBackend) BankOwners(ctx context.Context, currency string) (map[account.Identity]account.Identity, error) {
	return call(rb, ctx, "bank_owners", func(ctx context.Context) (map[account.Identity]account.Identity, error) {
		return rb.backend.BankOwners(ctx, currency)
	})
}

// SetBankOwner implements store.Backend.
func (rb *ResilientBackend) SetBankOwner(ctx context.Context, currency string, bank, owner account.Identity) error {
	return exec(rb, ctx, "set_bank_owner", func(ctx context.Context) error {
		return rb.backend.SetBankOwner(ctx, currency, bank, owner)
	})
}

// AppendTransaction implements store.Backend.
func (rb *ResilientBackend) AppendTransaction(ctx context.Context, owner account.Identity, record string) (int64, error) {
	return call(rb, ctx, "append_transaction", func(ctx context.Context) (int64, error) {
		return rb.backend.AppendTransaction(ctx, owner, record)
	})
}

// Transactions implements store.Backend.
func (rb *ResilientBackend) Transactions(ctx context.Context, owner account.Identity) (map[int64]string, error) {
	return call(rb, ctx, "transactions", func(ctx context.Context) (map[int64]string, error) {
		return rb.backend.Transactions(ctx, owner)
	})
}

// Transaction implements store.Backend.
func (rb *ResilientBackend) Transaction(ctx context.Context, owner account.Identity, id int64) (string, bool, error) {
	res, err := call(rb, ctx, "transaction", func(ctx context.Context) (recordResult, error) {
		record, ok, err := rb.backend.Transaction(ctx, owner, id)
		return recordResult{record: record, found: ok}, err
	})
	return res.record, res.found, err
}

// RevertTransaction implements store.Backend.
func (rb *ResilientBackend) RevertTransaction(ctx context.Context, owner account.Identity, id int64, opposite string) (store.RevertOutcome, error) {
	return call(rb, ctx, "revert_transaction", func(ctx context.Context) (store.RevertOutcome, error) {
		return rb.backend.RevertTransaction(ctx, owner, id, opposite)
	})
}

// TransactionCounter implements store.Backend.
func (rb *ResilientBackend) TransactionCounter(ctx context.Context, owner account.Identity) (int64, error) {
	return call(rb, ctx, "transaction_counter", func(ctx context.Context) (int64, error) {
		return rb.backend.TransactionCounter(ctx, owner)
	})
}
