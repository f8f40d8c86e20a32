package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/metrics/memory"
	"coinsync/pkg/store"
	memstore "coinsync/pkg/store/memory"
	redisstore "coinsync/pkg/store/redis"
	"coinsync/pkg/store/sqlite"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) store.LedgerStore

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) store.LedgerStore {
			return memstore.NewMemoryBackend(memstore.MemoryBackendConfig{})
		},
		"sqlite": func(t *testing.T) store.LedgerStore {
			b, err := sqlite.Open(context.Background(), sqlite.SQLiteBackendConfig{
				Path: filepath.Join(t.TempDir(), "ledger.db"),
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"redis": func(t *testing.T) store.LedgerStore {
			mr := miniredis.RunT(t)
			config := redisstore.DefaultRedisBackendConfig()
			config.Addr = mr.Addr()
			config.AlwaysRESP2 = true
			b, err := redisstore.NewRedisBackend(context.Background(), config, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l *Ledger)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, New(factory(t), Config{}))
		})
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func player() account.Identity {
	return account.Player(uuid.New())
}

func TestTransaction_EncodeDecode(t *testing.T) {
	a, b := player(), player()
	ts := time.UnixMilli(1700000000123)

	tx := Transaction{
		Owner:     a,
		Sender:    a,
		Receiver:  b,
		Timestamp: ts,
		Amount:    d("-30"),
		Currency:  "gold",
		Reason:    "rent; march",
	}

	record := tx.Encode()
	assert.Equal(t, a.String()+";1700000000123;"+b.String()+";-30;gold;rent, march", record)

	got, err := Decode(a, 4, record)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ID)
	assert.Equal(t, b, got.Counterparty())
	assert.True(t, got.Timestamp.Equal(ts))
	assert.True(t, got.Amount.Equal(d("-30")))
	assert.Equal(t, "rent, march", got.Reason)
	assert.False(t, got.Reverted)

	linked, err := store.WithRevertRef(record, 9)
	require.NoError(t, err)
	got, err = Decode(a, 4, linked)
	require.NoError(t, err)
	assert.True(t, got.Reverted)
	assert.Equal(t, int64(9), got.RevertedWith)
}

func TestDecode_Malformed(t *testing.T) {
	a := player()
	for name, record := range map[string]string{
		"fields":    "a;b;c",
		"sender":    "x" + a.String() + ";1;" + a.String() + ";1;gold;r",
		"timestamp": a.String() + ";soon;" + a.String() + ";1;gold;r",
		"amount":    a.String() + ";1;" + a.String() + ";one;gold;r",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(a, 0, record)
			assert.ErrorIs(t, err, store.ErrInvalidRecord)
		})
	}
}

func TestLedger_PayScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		a, b := player(), player()

		idA, err := l.Record(ctx, a, b, d("-30"), "gold", "pay")
		require.NoError(t, err)
		idB, err := l.Record(ctx, b, a, d("30"), "gold", "pay")
		require.NoError(t, err)
		assert.Equal(t, int64(0), idA)
		assert.Equal(t, int64(0), idB)

		txA, err := l.Get(ctx, a, idA)
		require.NoError(t, err)
		assert.True(t, txA.Amount.Equal(d("-30")))
		assert.Equal(t, a, txA.Sender)
		assert.Equal(t, b, txA.Receiver)

		txB, err := l.Get(ctx, b, idB)
		require.NoError(t, err)
		assert.True(t, txB.Amount.Equal(d("30")))
		assert.Equal(t, a, txB.Sender)
		assert.Equal(t, b, txB.Receiver)
	})
}

func TestLedger_RecordZero(t *testing.T) {
	l := New(memstore.NewMemoryBackend(memstore.MemoryBackendConfig{}), Config{})
	_, err := l.Record(context.Background(), player(), player(), decimal.Zero, "gold", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_ConcurrentRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		owner, other := player(), player()
		const n = 40

		ids := make([]int64, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = l.Record(ctx, owner, other, d("1"), "gold", "spam")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i, id := range ids {
			assert.Equal(t, int64(i), id)
		}

		counter, err := l.Counter(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, int64(n), counter)
	})
}

func TestLedger_RevertIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		a, b := player(), player()

		id, err := l.Record(ctx, a, b, d("-30"), "gold", "pay")
		require.NoError(t, err)

		first, err := l.Revert(ctx, a, id)
		require.NoError(t, err)
		assert.True(t, first.Created)
		assert.Equal(t, int64(1), first.ID)

		second, err := l.Revert(ctx, a, id)
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.Equal(t, first.ID, second.ID)

		opposite, err := l.Get(ctx, a, first.ID)
		require.NoError(t, err)
		assert.True(t, opposite.Amount.Equal(d("30")))
		assert.Equal(t, b, opposite.Counterparty())
		assert.Equal(t, "gold", opposite.Currency)

		original, err := l.Get(ctx, a, id)
		require.NoError(t, err)
		assert.True(t, original.Reverted)
		assert.Equal(t, first.ID, original.RevertedWith)

		all, err := l.All(ctx, a)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestLedger_ConcurrentRevert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		a, b := player(), player()

		id, err := l.Record(ctx, a, b, d("-5"), "gold", "pay")
		require.NoError(t, err)

		const n = 16
		outcomes := make([]store.RevertOutcome, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i], errs[i] = l.Revert(ctx, a, id)
			}(i)
		}
		wg.Wait()

		created := 0
		for i := range outcomes {
			require.NoError(t, errs[i])
			assert.Equal(t, int64(1), outcomes[i].ID)
			if outcomes[i].Created {
				created++
			}
		}
		assert.Equal(t, 1, created)

		all, err := l.All(ctx, a)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestLedger_RevertNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Ledger) {
		_, err := l.Revert(context.Background(), player(), 3)
		assert.True(t, errors.Is(err, store.ErrTransactionNotFound))
	})
}

func TestLedger_RecentAndBetween(t *testing.T) {
	clock := time.UnixMilli(1700000000000)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}

	l := New(memstore.NewMemoryBackend(memstore.MemoryBackendConfig{}), Config{Now: now})
	ctx := context.Background()
	a, b := player(), player()

	for i := 1; i <= 5; i++ {
		currency := "gold"
		if i%2 == 0 {
			currency = "silver"
		}
		_, err := l.Record(ctx, a, b, decimal.NewFromInt(int64(i)), currency, "")
		require.NoError(t, err)
	}

	recent, err := l.Recent(ctx, a, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].ID)
	assert.Equal(t, int64(3), recent[1].ID)

	start := time.UnixMilli(1700000000000)
	between, err := l.Between(ctx, a, Filter{
		From: start.Add(2 * time.Minute),
		To:   start.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, between, 3)
	assert.Equal(t, int64(1), between[0].ID)
	assert.Equal(t, int64(3), between[2].ID)

	gold, err := l.Between(ctx, a, Filter{Currency: "gold"})
	require.NoError(t, err)
	assert.Len(t, gold, 3)
}

func TestLedger_SkipsMalformedRecords(t *testing.T) {
	backend := memstore.NewMemoryBackend(memstore.MemoryBackendConfig{})
	l := New(backend, Config{})
	ctx := context.Background()
	a := player()

	_, err := l.Record(ctx, a, player(), d("1"), "gold", "ok")
	require.NoError(t, err)
	_, err = backend.AppendTransaction(ctx, a, "garbage")
	require.NoError(t, err)

	all, err := l.All(ctx, a)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = l.Get(ctx, a, 1)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestLedger_Metrics(t *testing.T) {
	collector := memory.NewMemoryCollector()
	l := New(memstore.NewMemoryBackend(memstore.MemoryBackendConfig{}), Config{Metrics: collector})
	ctx := context.Background()
	a := player()

	id, err := l.Record(ctx, a, player(), d("1"), "gold", "")
	require.NoError(t, err)
	_, err = l.Revert(ctx, a, id)
	require.NoError(t, err)
	_, err = l.Revert(ctx, a, id)
	require.NoError(t, err)

	assert.Equal(t, int64(2), collector.Snapshot().LedgerAppends)
}
