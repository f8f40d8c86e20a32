// Package store defines the storage backend contract. A backend is the only
// component allowed to talk to durable storage; the balance cache and the
// ledger are written against these interfaces and never against a concrete
// store. Backends publish no events.
package store

import (
	"context"

	"coinsync/pkg/account"

	"github.com/shopspring/decimal"
)

// Entry is a stored balance.
type Entry struct {
	Identity account.Identity
	Balance  decimal.Decimal
}

// RevertOutcome is the result of an atomic revert.
type RevertOutcome struct {
	// ID is the id of the opposite transaction
	ID int64

	// Created is true only for the call that appended the opposite transaction
	Created bool
}

// BalanceStore persists per-currency balances. Player and non-player
// identities share the interface; backends may namespace them separately.
type BalanceStore interface {
	// Balances returns every stored balance for the currency.
	Balances(ctx context.Context, currency string) ([]Entry, error)

	// OrderedBalances returns balances sorted descending by balance,
	// truncated to limit entries. A limit <= 0 returns all of them.
	OrderedBalances(ctx context.Context, currency string, limit int) ([]Entry, error)

	// Balance returns a single balance. The boolean is false when absent.
	Balance(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error)

	// MaxBalances returns the historical peak balance per identity.
	MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error)

	// SetBalance overwrites a balance, raises its historical peak and, when
	// name is non-empty, records name -> identity in the name index.
	SetBalance(ctx context.Context, currency string, entry Entry, name string) error

	// DeleteBalance removes a balance.
	DeleteBalance(ctx context.Context, currency string, id account.Identity) error

	// BulkSetBalances writes many balances and names in one batch.
	BulkSetBalances(ctx context.Context, currency string, entries []Entry, names map[string]account.Identity) error
}

// IndexStore persists lookups that live outside a single currency.
type IndexStore interface {
	// NameIndex returns the name -> identity index.
	NameIndex(ctx context.Context) (map[string]account.Identity, error)

	// LockRelations returns, per player, the identities whose payments are suppressed.
	LockRelations(ctx context.Context) (map[account.Identity][]account.Identity, error)

	// SetLockRelation replaces the lock list of owner. An empty list removes it.
	SetLockRelation(ctx context.Context, owner account.Identity, locked []account.Identity) error

	// BankOwners returns bank -> owner for the currency.
	BankOwners(ctx context.Context, currency string) (map[account.Identity]account.Identity, error)

	// SetBankOwner records the owner of a bank account.
	SetBankOwner(ctx context.Context, currency string, bank, owner account.Identity) error
}

// LedgerStore persists per-account transaction records.
// Records are opaque strings in the format described in record.go.
type LedgerStore interface {
	// AppendTransaction stores record under the next sequence number of owner
	// and returns that number. Reading the counter and writing the record are
	// one atomic step with respect to other appends for the same owner.
	AppendTransaction(ctx context.Context, owner account.Identity, record string) (int64, error)

	// Transactions returns every record of owner keyed by id.
	Transactions(ctx context.Context, owner account.Identity) (map[int64]string, error)

	// Transaction returns one record. The boolean is false when absent.
	Transaction(ctx context.Context, owner account.Identity, id int64) (string, bool, error)

	// RevertTransaction atomically checks whether transaction id of owner was
	// already reverted. If it was, the existing reference is returned with
	// Created false. Otherwise opposite is appended and its id is written into
	// the original record's revert reference. Returns ErrTransactionNotFound
	// when the original does not exist.
	RevertTransaction(ctx context.Context, owner account.Identity, id int64, opposite string) (RevertOutcome, error)

	// TransactionCounter returns the id the next append for owner will receive.
	TransactionCounter(ctx context.Context, owner account.Identity) (int64, error)
}

// Backend is a complete storage backend.
type Backend interface {
	BalanceStore
	IndexStore
	LedgerStore

	// Name returns the identifier for this backend (e.g., "redis", "sqlite")
	// Used for logging, metrics, and debugging.
	Name() string

	// Close releases any resources held by the backend.
	Close() error
}
