// Package memory provides an in-process store.Backend. It is used by tests
// and by single-node deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coinsync/pkg/account"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
)

// MemoryBackend is an in-memory store.Backend. All operations are
// serialized by a single mutex, which makes append and revert trivially
// atomic.
type MemoryBackend struct {
	// mu protects every map below
	mu sync.RWMutex

	// config holds the backend configuration
	config MemoryBackendConfig

	// balances is currency -> identity -> balance
	balances map[string]map[account.Identity]decimal.Decimal

	// peaks is currency -> identity -> historical max balance
	peaks map[string]map[account.Identity]decimal.Decimal

	// owners is currency -> bank -> owner
	owners map[string]map[account.Identity]account.Identity

	names  map[string]account.Identity
	locks  map[account.Identity][]account.Identity
	ledger map[account.Identity]*ledger

	closed bool
}

type ledger struct {
	next    int64
	records map[int64]string
}

// MemoryBackendConfig holds configuration for the memory backend
type MemoryBackendConfig struct {
	// Name is the backend identifier
	Name string
}

// NewMemoryBackend creates a new empty memory backend.
func NewMemoryBackend(config MemoryBackendConfig) *MemoryBackend {
	if config.Name == "" {
		config.Name = "memory"
	}

	return &MemoryBackend{
		config:   config,
		balances: make(map[string]map[account.Identity]decimal.Decimal),
		peaks:    make(map[string]map[account.Identity]decimal.Decimal),
		owners:   make(map[string]map[account.Identity]account.Identity),
		names:    make(map[string]account.Identity),
		locks:    make(map[account.Identity][]account.Identity),
		ledger:   make(map[account.Identity]*ledger),
	}
}

var _ store.Backend = (*MemoryBackend)(nil)

// Name returns the backend name.
func (b *MemoryBackend) Name() string {
	return b.config.Name
}

// Close discards all data. Later calls return store.ErrClosed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.balances = nil
	b.peaks = nil
	b.owners = nil
	b.names = nil
	b.locks = nil
	b.ledger = nil
	return nil
}

func (b *MemoryBackend) check(ctx context.Context) error {
	if b.closed {
		return store.ErrClosed
	}
	return ctx.Err()
}

// Balances returns every stored balance for the currency.
func (b *MemoryBackend) Balances(ctx context.Context, currency string) ([]store.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	entries := make([]store.Entry, 0, len(b.balances[currency]))
	for id, balance := range b.balances[currency] {
		entries = append(entries, store.Entry{Identity: id, Balance: balance})
	}
	return entries, nil
}

// OrderedBalances returns balances sorted descending, ties broken by identity.
func (b *MemoryBackend) OrderedBalances(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
	entries, err := b.Balances(ctx, currency)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].Balance.Cmp(entries[j].Balance); c != 0 {
			return c > 0
		}
		return entries[i].Identity.String() > entries[j].Identity.String()
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Balance returns a single balance.
func (b *MemoryBackend) Balance(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return decimal.Zero, false, err
	}

	balance, ok := b.balances[currency][id]
	return balance, ok, nil
}

// MaxBalances returns the historical peaks of the currency.
func (b *MemoryBackend) MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	peaks := make(map[account.Identity]decimal.Decimal, len(b.peaks[currency]))
	for id, peak := range b.peaks[currency] {
		peaks[id] = peak
	}
	return peaks, nil
}

// SetBalance overwrites a balance and raises its peak.
func (b *MemoryBackend) SetBalance(ctx context.Context, currency string, entry store.Entry, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	b.setLocked(currency, entry)
	if name != "" {
		b.names[name] = entry.Identity
	}
	return nil
}

func (b *MemoryBackend) setLocked(currency string, entry store.Entry) {
	balances, ok := b.balances[currency]
	if !ok {
		balances = make(map[account.Identity]decimal.Decimal)
		b.balances[currency] = balances
	}
	balances[entry.Identity] = entry.Balance

	peaks, ok := b.peaks[currency]
	if !ok {
		peaks = make(map[account.Identity]decimal.Decimal)
		b.peaks[currency] = peaks
	}
	if peak, ok := peaks[entry.Identity]; !ok || entry.Balance.GreaterThan(peak) {
		peaks[entry.Identity] = entry.Balance
	}
}

// DeleteBalance removes a balance. Missing balances are ignored.
func (b *MemoryBackend) DeleteBalance(ctx context.Context, currency string, id account.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	delete(b.balances[currency], id)
	return nil
}

// BulkSetBalances writes all entries and names under one lock.
func (b *MemoryBackend) BulkSetBalances(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	for _, entry := range entries {
		b.setLocked(currency, entry)
	}
	for name, id := range names {
		b.names[name] = id
	}
	return nil
}

// NameIndex returns a copy of the name index.
func (b *MemoryBackend) NameIndex(ctx context.Context) (map[string]account.Identity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	names := make(map[string]account.Identity, len(b.names))
	for name, id := range b.names {
		names[name] = id
	}
	return names, nil
}

// LockRelations returns a copy of every lock list.
func (b *MemoryBackend) LockRelations(ctx context.Context) (map[account.Identity][]account.Identity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	locks := make(map[account.Identity][]account.Identity, len(b.locks))
	for owner, locked := range b.locks {
		locks[owner] = append([]account.Identity(nil), locked...)
	}
	return locks, nil
}

// SetLockRelation replaces the lock list of owner.
func (b *MemoryBackend) SetLockRelation(ctx context.Context, owner account.Identity, locked []account.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	if len(locked) == 0 {
		delete(b.locks, owner)
		return nil
	}
	b.locks[owner] = append([]account.Identity(nil), locked...)
	return nil
}

// BankOwners returns bank -> owner for the currency.
func (b *MemoryBackend) BankOwners(ctx context.Context, currency string) (map[account.Identity]account.Identity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	owners := make(map[account.Identity]account.Identity, len(b.owners[currency]))
	for bank, owner := range b.owners[currency] {
		owners[bank] = owner
	}
	return owners, nil
}

// SetBankOwner records the owner of a bank.
func (b *MemoryBackend) SetBankOwner(ctx context.Context, currency string, bank, owner account.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	owners, ok := b.owners[currency]
	if !ok {
		owners = make(map[account.Identity]account.Identity)
		b.owners[currency] = owners
	}
	owners[bank] = owner
	return nil
}

func (b *MemoryBackend) ledgerOf(owner account.Identity) *ledger {
	l, ok := b.ledger[owner]
	if !ok {
		l = &ledger{records: make(map[int64]string)}
		b.ledger[owner] = l
	}
	return l
}

// AppendTransaction stores record under the next id of owner.
func (b *MemoryBackend) AppendTransaction(ctx context.Context, owner account.Identity, record string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return 0, err
	}

	l := b.ledgerOf(owner)
	id := l.next
	l.records[id] = record
	l.next++
	return id, nil
}

// Transactions returns a copy of owner's records.
func (b *MemoryBackend) Transactions(ctx context.Context, owner account.Identity) (map[int64]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	l, ok := b.ledger[owner]
	if !ok {
		return map[int64]string{}, nil
	}
	records := make(map[int64]string, len(l.records))
	for id, record := range l.records {
		records[id] = record
	}
	return records, nil
}

// Transaction returns one record.
func (b *MemoryBackend) Transaction(ctx context.Context, owner account.Identity, id int64) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return "", false, err
	}

	l, ok := b.ledger[owner]
	if !ok {
		return "", false, nil
	}
	record, ok := l.records[id]
	return record, ok, nil
}

// RevertTransaction appends opposite and links it to the original, once.
func (b *MemoryBackend) RevertTransaction(ctx context.Context, owner account.Identity, id int64, opposite string) (store.RevertOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return store.RevertOutcome{}, err
	}

	l, ok := b.ledger[owner]
	if !ok {
		return store.RevertOutcome{}, store.ErrTransactionNotFound
	}
	original, ok := l.records[id]
	if !ok {
		return store.RevertOutcome{}, store.ErrTransactionNotFound
	}

	ref, reverted, err := store.RevertRef(original)
	if err != nil {
		return store.RevertOutcome{}, fmt.Errorf("transaction %d of %s: %w", id, owner, err)
	}
	if reverted {
		return store.RevertOutcome{ID: ref}, nil
	}

	linked, err := store.WithRevertRef(original, l.next)
	if err != nil {
		return store.RevertOutcome{}, err
	}

	newID := l.next
	l.records[newID] = opposite
	l.records[id] = linked
	l.next++
	return store.RevertOutcome{ID: newID, Created: true}, nil
}

// TransactionCounter returns the id the next append for owner will receive.
func (b *MemoryBackend) TransactionCounter(ctx context.Context, owner account.Identity) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return 0, err
	}

	if l, ok := b.ledger[owner]; ok {
		return l.next, nil
	}
	return 0, nil
}
