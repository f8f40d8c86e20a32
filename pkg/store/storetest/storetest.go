// Package storetest holds the behavior every store.Backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"testing"

	"coinsync/pkg/account"
	"coinsync/pkg/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. Run closes it when the subtest ends.
type Factory func(t *testing.T) store.Backend

// Run exercises b against the store.Backend contract.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"SetAndGetBalance", testSetAndGetBalance},
		{"OrderedBalances", testOrderedBalances},
		{"MaxBalances", testMaxBalances},
		{"DeleteBalance", testDeleteBalance},
		{"BulkSetBalances", testBulkSetBalances},
		{"LockRelations", testLockRelations},
		{"BankOwners", testBankOwners},
		{"AppendSequential", testAppendSequential},
		{"AppendConcurrent", testAppendConcurrent},
		{"RevertOnce", testRevertOnce},
		{"RevertNotFound", testRevertNotFound},
		{"RevertConcurrent", testRevertConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := factory(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func player(t *testing.T) account.Identity {
	t.Helper()
	return account.Player(uuid.New())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func record(reason string) string {
	return "sender;1700000000000;receiver;-12.5;gold;" + reason
}

func testSetAndGetBalance(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)

	_, ok, err := b.Balance(ctx, "gold", alice)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetBalance(ctx, "gold", store.Entry{Identity: alice, Balance: dec("12.5")}, "alice"))

	balance, ok, err := b.Balance(ctx, "gold", alice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, balance.Equal(dec("12.5")), "got %s", balance)

	// other currency untouched
	_, ok, err = b.Balance(ctx, "silver", alice)
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := b.NameIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, alice, names["alice"])

	bank := account.MustParse("vault")
	require.NoError(t, b.SetBalance(ctx, "gold", store.Entry{Identity: bank, Balance: dec("3")}, ""))

	entries, err := b.Balances(ctx, "gold")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testOrderedBalances(t *testing.T, b store.Backend) {
	ctx := context.Background()
	ids := []account.Identity{player(t), player(t), player(t)}
	amounts := []string{"5", "50", "25"}
	for i, id := range ids {
		require.NoError(t, b.SetBalance(ctx, "gold", store.Entry{Identity: id, Balance: dec(amounts[i])}, ""))
	}

	all, err := b.OrderedBalances(ctx, "gold", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[1], all[0].Identity)
	assert.Equal(t, ids[2], all[1].Identity)
	assert.Equal(t, ids[0], all[2].Identity)

	top, err := b.OrderedBalances(ctx, "gold", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.True(t, top[0].Balance.Equal(dec("50")))
}

func testMaxBalances(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)

	for _, amount := range []string{"10", "40", "15"} {
		require.NoError(t, b.SetBalance(ctx, "gold", store.Entry{Identity: alice, Balance: dec(amount)}, ""))
	}

	peaks, err := b.MaxBalances(ctx, "gold")
	require.NoError(t, err)
	assert.True(t, peaks[alice].Equal(dec("40")), "got %s", peaks[alice])

	balance, _, err := b.Balance(ctx, "gold", alice)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("15")))
}

func testDeleteBalance(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)

	require.NoError(t, b.SetBalance(ctx, "gold", store.Entry{Identity: alice, Balance: dec("1")}, ""))
	require.NoError(t, b.DeleteBalance(ctx, "gold", alice))

	_, ok, err := b.Balance(ctx, "gold", alice)
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting twice is not an error
	require.NoError(t, b.DeleteBalance(ctx, "gold", alice))
}

func testBulkSetBalances(t *testing.T, b store.Backend) {
	ctx := context.Background()
	entries := make([]store.Entry, 0, 20)
	names := make(map[string]account.Identity)
	for i := 0; i < 20; i++ {
		id := player(t)
		entries = append(entries, store.Entry{Identity: id, Balance: decimal.NewFromInt(int64(i))})
		names["p"+decimal.NewFromInt(int64(i)).String()] = id
	}

	require.NoError(t, b.BulkSetBalances(ctx, "gold", entries, names))

	stored, err := b.Balances(ctx, "gold")
	require.NoError(t, err)
	assert.Len(t, stored, 20)

	index, err := b.NameIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[7].Identity, index["p7"])
}

func testLockRelations(t *testing.T, b store.Backend) {
	ctx := context.Background()
	owner, other := player(t), player(t)

	require.NoError(t, b.SetLockRelation(ctx, owner, []account.Identity{other, account.Wildcard}))

	locks, err := b.LockRelations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []account.Identity{other, account.Wildcard}, locks[owner])

	require.NoError(t, b.SetLockRelation(ctx, owner, nil))
	locks, err = b.LockRelations(ctx)
	require.NoError(t, err)
	_, ok := locks[owner]
	assert.False(t, ok)
}

func testBankOwners(t *testing.T, b store.Backend) {
	ctx := context.Background()
	owner := player(t)
	bank := account.MustParse("guildbank")

	require.NoError(t, b.SetBankOwner(ctx, "gold", bank, owner))

	owners, err := b.BankOwners(ctx, "gold")
	require.NoError(t, err)
	assert.Equal(t, owner, owners[bank])

	owners, err = b.BankOwners(ctx, "silver")
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func testAppendSequential(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)

	next, err := b.TransactionCounter(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	for want := int64(0); want < 3; want++ {
		id, err := b.AppendTransaction(ctx, alice, record("r"))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	next, err = b.TransactionCounter(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)

	got, ok, err := b.Transaction(ctx, alice, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record("r"), got)

	_, ok, err = b.Transaction(ctx, alice, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := b.Transactions(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testAppendConcurrent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)
	const n = 50

	var (
		mu  sync.Mutex
		ids []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := b.AppendTransaction(ctx, alice, record("c"))
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	require.Len(t, ids, n)
	for i, id := range ids {
		assert.Equal(t, int64(i), id)
	}
}

func testRevertOnce(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)

	id, err := b.AppendTransaction(ctx, alice, record("pay"))
	require.NoError(t, err)

	first, err := b.RevertTransaction(ctx, alice, id, record("revert"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, int64(1), first.ID)

	original, ok, err := b.Transaction(ctx, alice, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record("pay")+";1", original)

	second, err := b.RevertTransaction(ctx, alice, id, record("revert"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	next, err := b.TransactionCounter(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func testRevertNotFound(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.RevertTransaction(ctx, player(t), 3, record("revert"))
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)
}

func testRevertConcurrent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	alice := player(t)
	id, err := b.AppendTransaction(ctx, alice, record("pay"))
	require.NoError(t, err)

	const n = 20
	outcomes := make([]store.RevertOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := b.RevertTransaction(ctx, alice, id, record("revert"))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	created := 0
	for _, out := range outcomes {
		if out.Created {
			created++
		}
		assert.Equal(t, int64(1), out.ID)
	}
	assert.Equal(t, 1, created)

	all, err := b.Transactions(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
