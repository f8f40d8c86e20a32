// Package ledger is the per-account transaction history. Every account has
// its own sequence of ids starting at 0; the backend allocates them
// atomically with the append. Reverting appends an opposite entry once and
// links it from the original, so repeated reverts return the same id.
//
// The ledger records history only. Moving the money implied by a revert is
// the caller's job.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidAmount is returned by Record for a zero amount.
var ErrInvalidAmount = errors.New("ledger: amount must be non-zero")

// Config configures a Ledger.
type Config struct {
	Metrics metrics.MetricsCollector
	Logger  *logging.Logger

	// Now stamps new transactions (default: time.Now)
	Now func() time.Time
}

// Ledger reads and writes transactions through a LedgerStore.
type Ledger struct {
	backend store.LedgerStore
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	now     func() time.Time
}

// New creates a ledger over backend.
func New(backend store.LedgerStore, config Config) *Ledger {
	if config.Metrics == nil {
		config.Metrics = metrics.NoOpCollector{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ledger{
		backend: backend,
		metrics: config.Metrics,
		logger:  logging.OrGlobal(config.Logger).Named("ledger"),
		now:     config.Now,
	}
}

// entry builds the transaction owner sees for a movement of amount between
// owner and counterparty. A negative amount means owner paid.
func (l *Ledger) entry(owner, counterparty account.Identity, amount decimal.Decimal, currency, reason string) Transaction {
	t := Transaction{
		Owner:     owner,
		Timestamp: l.now(),
		Amount:    amount,
		Currency:  currency,
		Reason:    reason,
	}
	if amount.IsNegative() {
		t.Sender, t.Receiver = owner, counterparty
	} else {
		t.Sender, t.Receiver = counterparty, owner
	}
	return t
}

// Record appends a transaction to owner's history and returns its id.
func (l *Ledger) Record(ctx context.Context, owner, counterparty account.Identity, amount decimal.Decimal, currency, reason string) (int64, error) {
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}

	record := l.entry(owner, counterparty, amount, currency, reason).Encode()

	start := time.Now()
	id, err := l.backend.AppendTransaction(ctx, owner, record)
	l.metrics.RecordLedgerAppend(err == nil, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("ledger: record for %s: %w", owner, err)
	}
	return id, nil
}

// Revert cancels transaction id of owner with an opposite entry. When the
// transaction was already reverted the existing reference is returned with
// Created false and nothing is appended.
func (l *Ledger) Revert(ctx context.Context, owner account.Identity, id int64) (store.RevertOutcome, error) {
	original, err := l.Get(ctx, owner, id)
	if err != nil {
		return store.RevertOutcome{}, err
	}
	if original.Reverted {
		return store.RevertOutcome{ID: original.RevertedWith}, nil
	}

	opposite := l.entry(owner, original.Counterparty(), original.Amount.Neg(), original.Currency,
		fmt.Sprintf("Revert of #%d", id)).Encode()

	start := time.Now()
	outcome, err := l.backend.RevertTransaction(ctx, owner, id, opposite)
	if outcome.Created || err != nil {
		l.metrics.RecordLedgerAppend(err == nil, time.Since(start))
	}
	if err != nil {
		return store.RevertOutcome{}, fmt.Errorf("ledger: revert %d of %s: %w", id, owner, err)
	}

	if outcome.Created {
		l.logger.Info("transaction reverted",
			zap.String("owner", owner.String()),
			zap.Int64("id", id),
			zap.Int64("reverted_with", outcome.ID),
		)
	}
	return outcome, nil
}

// Get returns one transaction. It returns store.ErrTransactionNotFound when
// the id does not exist.
func (l *Ledger) Get(ctx context.Context, owner account.Identity, id int64) (Transaction, error) {
	record, ok, err := l.backend.Transaction(ctx, owner, id)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: get %d of %s: %w", id, owner, err)
	}
	if !ok {
		return Transaction{}, fmt.Errorf("ledger: get %d of %s: %w", id, owner, store.ErrTransactionNotFound)
	}

	t, err := Decode(owner, id, record)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: get %d of %s: %w", id, owner, err)
	}
	return t, nil
}

// All returns every readable transaction of owner ordered by id. Malformed
// records are logged and skipped.
func (l *Ledger) All(ctx context.Context, owner account.Identity) ([]Transaction, error) {
	records, err := l.backend.Transactions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", owner, err)
	}

	out := make([]Transaction, 0, len(records))
	for id, record := range records {
		t, err := Decode(owner, id, record)
		if err != nil {
			l.logger.Warn("skipping malformed transaction",
				zap.String("owner", owner.String()),
				zap.Int64("id", id),
				zap.String("record", record),
				zap.Error(err),
			)
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Recent returns the n newest transactions of owner, newest first.
// n <= 0 returns all of them.
func (l *Ledger) Recent(ctx context.Context, owner account.Identity, n int) ([]Transaction, error) {
	all, err := l.All(ctx, owner)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Filter selects transactions after they are fetched.
type Filter struct {
	// From and To bound the timestamp as From <= t < To; zero means unbounded
	From time.Time
	To   time.Time

	// Currency keeps only one currency when non-empty
	Currency string
}

func (f Filter) match(t Transaction) bool {
	if !f.From.IsZero() && t.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Timestamp.Before(f.To) {
		return false
	}
	return f.Currency == "" || f.Currency == t.Currency
}

// Between returns owner's transactions matching f, ordered by id.
func (l *Ledger) Between(ctx context.Context, owner account.Identity, f Filter) ([]Transaction, error) {
	all, err := l.All(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, t := range all {
		if f.match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Counter returns the id the next transaction of owner will receive.
func (l *Ledger) Counter(ctx context.Context, owner account.Identity) (int64, error) {
	n, err := l.backend.TransactionCounter(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("ledger: counter of %s: %w", owner, err)
	}
	return n, nil
}
