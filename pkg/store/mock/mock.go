// Package mock provides a store.Backend with injectable behavior for tests.
package mock

import (
	"context"
	"sync"

	"coinsync/pkg/account"
	"coinsync/pkg/store"
	"coinsync/pkg/store/memory"

	"github.com/shopspring/decimal"
)

// MockBackend is a store.Backend whose methods can be overridden one by one.
// Methods without a hook fall through to an in-memory backend, so a mock
// behaves like a working store until a test injects a failure. Every call is
// counted by operation name.
type MockBackend struct {
	// Function hooks - set these to customize behavior
	BalancesFunc           func(ctx context.Context, currency string) ([]store.Entry, error)
	OrderedBalancesFunc    func(ctx context.Context, currency string, limit int) ([]store.Entry, error)
	BalanceFunc            func(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error)
	MaxBalancesFunc        func(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error)
	SetBalanceFunc         func(ctx context.Context, currency string, entry store.Entry, name string) error
	DeleteBalanceFunc      func(ctx context.Context, currency string, id account.Identity) error
	BulkSetBalancesFunc    func(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error
	NameIndexFunc          func(ctx context.Context) (map[string]account.Identity, error)
	LockRelationsFunc      func(ctx context.Context) (map[account.Identity][]account.Identity, error)
	SetLockRelationFunc    func(ctx context.Context, owner account.Identity, locked []account.Identity) error
	BankOwnersFunc         func(ctx context.Context, currency string) (map[account.Identity]account.Identity, error)
	SetBankOwnerFunc       func(ctx context.Context, currency string, bank, owner account.Identity) error
	AppendTransactionFunc  func(ctx context.Context, owner account.Identity, record string) (int64, error)
	TransactionsFunc       func(ctx context.Context, owner account.Identity) (map[int64]string, error)
	TransactionFunc        func(ctx context.Context, owner account.Identity, id int64) (string, bool, error)
	RevertTransactionFunc  func(ctx context.Context, owner account.Identity, id int64, opposite string) (store.RevertOutcome, error)
	TransactionCounterFunc func(ctx context.Context, owner account.Identity) (int64, error)
	NameFunc               func() string
	CloseFunc              func() error

	once     sync.Once
	fallback *memory.MemoryBackend

	mu    sync.Mutex
	calls map[string]int
}

var _ store.Backend = (*MockBackend)(nil)

func (m *MockBackend) track(op string) *memory.MemoryBackend {
	m.once.Do(func() {
		m.fallback = memory.NewMemoryBackend(memory.MemoryBackendConfig{Name: "mock"})
	})

	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
	m.mu.Unlock()

	return m.fallback
}

// Calls returns how many times op was called (thread-safe).
func (m *MockBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Balances implements store.Backend.
func (m *MockBackend) Balances(ctx context.Context, currency string) ([]store.Entry, error) {
	fb := m.track("Balances")
	if m.BalancesFunc != nil {
		return m.BalancesFunc(ctx, currency)
	}
	return fb.Balances(ctx, currency)
}

// OrderedBalances implements store.Backend.
func (m *MockBackend) OrderedBalances(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
	fb := m.track("OrderedBalances")
	if m.OrderedBalancesFunc != nil {
		return m.OrderedBalancesFunc(ctx, currency, limit)
	}
	return fb.OrderedBalances(ctx, currency, limit)
}

// Balance implements store.Backend.
func (m *MockBackend) Balance(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error) {
	fb := m.track("Balance")
	if m.BalanceFunc != nil {
		return m.BalanceFunc(ctx, currency, id)
	}
	return fb.Balance(ctx, currency, id)
}

// MaxBalances implements store.Backend.
func (m *MockBackend) MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error) {
	fb := m.track("MaxBalances")
	if m.MaxBalancesFunc != nil {
		return m.MaxBalancesFunc(ctx, currency)
	}
	return fb.MaxBalances(ctx, currency)
}

// SetBalance implements store.Backend.
func (m *MockBackend) SetBalance(ctx context.Context, currency string, entry store.Entry, name string) error {
	fb := m.track("SetBalance")
	if m.SetBalanceFunc != nil {
		return m.SetBalanceFunc(ctx, currency, entry, name)
	}
	return fb.SetBalance(ctx, currency, entry, name)
}

// DeleteBalance implements store.Backend.
func (m *MockBackend) DeleteBalance(ctx context.Context, currency string, id account.Identity) error {
	fb := m.track("DeleteBalance")
	if m.DeleteBalanceFunc != nil {
		return m.DeleteBalanceFunc(ctx, currency, id)
	}
	return fb.DeleteBalance(ctx, currency, id)
}

// BulkSetBalances implements store.Backend.
func (m *MockBackend) BulkSetBalances(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error {
	fb := m.track("BulkSetBalances")
	if m.BulkSetBalancesFunc != nil {
		return m.BulkSetBalancesFunc(ctx, currency, entries, names)
	}
	return fb.BulkSetBalances(ctx, currency, entries, names)
}

// NameIndex implements store.Backend.
func (m *MockBackend) NameIndex(ctx context.Context) (map[string]account.Identity, error) {
	fb := m.track("NameIndex")
	if m.NameIndexFunc != nil {
		return m.NameIndexFunc(ctx)
	}
	return fb.NameIndex(ctx)
}

// LockRelations implements store.Backend.
func (m *MockBackend) LockRelations(ctx context.Context) (map[account.Identity][]account.Identity, error) {
	fb := m.track("LockRelations")
	if m.LockRelationsFunc != nil {
		return m.LockRelationsFunc(ctx)
	}
	return fb.LockRelations(ctx)
}

// SetLockRelation implements store.Backend.
func (m *MockBackend) SetLockRelation(ctx context.Context, owner account.Identity, locked []account.Identity) error {
	fb := m.track("SetLockRelation")
	if m.SetLockRelationFunc != nil {
		return m.SetLockRelationFunc(ctx, owner, locked)
	}
	return fb.SetLockRelation(ctx, owner, locked)
}

// BankOwners implements store.Backend.
func (m *MockBackend) BankOwners(ctx context.Context, currency string) (map[account.Identity]account.Identity, error) {
	fb := m.track("BankOwners")
	if m.BankOwnersFunc != nil {
		return m.BankOwnersFunc(ctx, currency)
	}
	return fb.BankOwners(ctx, currency)
}

// SetBankOwner implements store.Backend.
func (m *MockBackend) SetBankOwner(ctx context.Context, currency string, bank, owner account.Identity) error {
	fb := m.track("SetBankOwner")
	if m.SetBankOwnerFunc != nil {
		return m.SetBankOwnerFunc(ctx, currency, bank, owner)
	}
	return fb.SetBankOwner(ctx, currency, bank, owner)
}

// AppendTransaction implements store.Backend.
func (m *MockBackend) AppendTransaction(ctx context.Context, owner account.Identity, record string) (int64, error) {
	fb := m.track("AppendTransaction")
	if m.AppendTransactionFunc != nil {
		return m.AppendTransactionFunc(ctx, owner, record)
	}
	return fb.AppendTransaction(ctx, owner, record)
}

// Transactions implements store.Backend.
func (m *MockBackend) Transactions(ctx context.Context, owner account.Identity) (map[int64]string, error) {
	fb := m.track("Transactions")
	if m.TransactionsFunc != nil {
		return m.TransactionsFunc(ctx, owner)
	}
	return fb.Transactions(ctx, owner)
}

// Transaction implements store.Backend.
func (m *MockBackend) Transaction(ctx context.Context, owner account.Identity, id int64) (string, bool, error) {
	fb := m.track("Transaction")
	if m.TransactionFunc != nil {
		return m.TransactionFunc(ctx, owner, id)
	}
	return fb.Transaction(ctx, owner, id)
}

// RevertTransaction implements store.Backend.
func (m *MockBackend) RevertTransaction(ctx context.Context, owner account.Identity, id int64, opposite string) (store.RevertOutcome, error) {
	fb := m.track("RevertTransaction")
	if m.RevertTransactionFunc != nil {
		return m.RevertTransactionFunc(ctx, owner, id, opposite)
	}
	return fb.RevertTransaction(ctx, owner, id, opposite)
}

// TransactionCounter implements store.Backend.
func (m *MockBackend) TransactionCounter(ctx context.Context, owner account.Identity) (int64, error) {
	fb := m.track("TransactionCounter")
	if m.TransactionCounterFunc != nil {
		return m.TransactionCounterFunc(ctx, owner)
	}
	return fb.TransactionCounter(ctx, owner)
}

// Name implements store.Backend.
func (m *MockBackend) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// Close implements store.Backend.
func (m *MockBackend) Close() error {
	fb := m.track("Close")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return fb.Close()
}
