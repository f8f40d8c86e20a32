package economy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/balance"
	"coinsync/pkg/bus"
	"coinsync/pkg/bus/local"
	"coinsync/pkg/ledger"
	"coinsync/pkg/store"
	"coinsync/pkg/store/memory"
	"coinsync/pkg/store/mock"
	"coinsync/pkg/writer"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func player() account.Identity {
	return account.Player(uuid.New())
}

func gold() account.Currency {
	return account.Currency{
		Name:            "gold",
		Singular:        "coin",
		Plural:          "coins",
		StartingBalance: d("100"),
		TaxRate:         d("0.1"),
		MaxBalance:      decimal.NewNullDecimal(d("1000")),
		Decimals:        2,
		Default:         true,
	}
}

func gems() account.Currency {
	return account.Currency{
		Name:        "gems",
		BankSupport: true,
		Decimals:    0,
	}
}

type fixture struct {
	economy *Economy
	backend *memory.MemoryBackend
	writer  *writer.AsyncWriter
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.writer.Flush(2*time.Second))
}

func newFixture(t *testing.T, backend *memory.MemoryBackend, currencies ...account.Currency) *fixture {
	t.Helper()
	if backend == nil {
		backend = memory.NewMemoryBackend(memory.MemoryBackendConfig{})
	}
	if len(currencies) == 0 {
		currencies = []account.Currency{gold(), gems()}
	}

	w := writer.NewAsyncWriter(writer.AsyncWriterConfig{Name: t.Name(), Workers: 2})
	e, err := New(context.Background(), Config{
		ServerID:   "server-1",
		Currencies: currencies,
		Backend:    backend,
		Writer:     w,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = e.Close()
		_ = w.Close()
	})
	return &fixture{economy: e, backend: backend, writer: w}
}

func TestNew_Validation(t *testing.T) {
	backend := memory.NewMemoryBackend(memory.MemoryBackendConfig{})
	w := writer.NewAsyncWriter(writer.DefaultAsyncWriterConfig())
	defer w.Close()

	second := gold()
	second.Name = "silver"

	tests := []struct {
		name       string
		currencies []account.Currency
	}{
		{"none", nil},
		{"duplicate", []account.Currency{gold(), gold()}},
		{"two defaults", []account.Currency{gold(), second}},
		{"no default", []account.Currency{gems(), {Name: "iron"}}},
		{"invalid", []account.Currency{{Name: "bad name"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), Config{
				ServerID:   "s",
				Currencies: tt.currencies,
				Backend:    backend,
				Writer:     w,
			})
			assert.Error(t, err)
		})
	}

	_, err := New(context.Background(), Config{Currencies: []account.Currency{gold()}, Backend: backend, Writer: w})
	assert.Error(t, err, "server id is required")
}

func TestNew_SingleCurrencyIsDefault(t *testing.T) {
	f := newFixture(t, nil, gems())
	assert.Equal(t, "gems", f.economy.Default().Name)

	c, ok := f.economy.Currency("")
	require.True(t, ok)
	assert.Equal(t, "gems", c.Name)
}

func TestNew_LoadsIndexes(t *testing.T) {
	backend := memory.NewMemoryBackend(memory.MemoryBackendConfig{})
	ctx := context.Background()
	a, b := player(), player()
	vault := account.MustParse("vault")

	require.NoError(t, backend.SetBalance(ctx, "gold", store.Entry{Identity: a, Balance: d("5")}, "Alice"))
	require.NoError(t, backend.SetLockRelation(ctx, a, []account.Identity{b}))
	require.NoError(t, backend.SetBankOwner(ctx, "gems", vault, a))
	require.NoError(t, backend.SetBalance(ctx, "gems", store.Entry{Identity: vault, Balance: d("9")}, ""))

	f := newFixture(t, backend)
	e := f.economy

	id, ok := e.LookupName("alice")
	assert.True(t, ok)
	assert.Equal(t, a, id)
	assert.True(t, e.IsLocked(a, b))

	owner, ok := e.BankOwner("gems", vault)
	assert.True(t, ok)
	assert.Equal(t, a, owner)
	assert.True(t, e.BankBalance("gems", vault).Balance.Equal(d("9")))

	bal, ok := e.Balance("gold", a)
	assert.True(t, ok)
	assert.True(t, bal.Equal(d("5")))
}

func TestNew_FailsWhenIndexUnreachable(t *testing.T) {
	backend := &mock.MockBackend{
		NameIndexFunc: func(context.Context) (map[string]account.Identity, error) {
			return nil, store.ErrUnavailable
		},
	}
	w := writer.NewAsyncWriter(writer.DefaultAsyncWriterConfig())
	defer w.Close()

	_, err := New(context.Background(), Config{
		ServerID:   "s",
		Currencies: []account.Currency{gold()},
		Backend:    backend,
		Writer:     w,
	})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestPay_Scenario(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	a, b := player(), player()

	require.True(t, e.SetBalance("gold", a, "A", d("100")).OK())
	require.True(t, e.SetBalance("gold", b, "B", d("50")).OK())

	r := e.Pay(Payment{Currency: "gold", From: a, FromName: "A", To: b, ToName: "B", Amount: d("30"), Reason: "rent"})
	require.True(t, r.OK(), r.Reason)
	assert.True(t, r.Balance.Equal(d("67")), r.Balance.String())

	balA, _ := e.Balance("gold", a)
	balB, _ := e.Balance("gold", b)
	assert.True(t, balA.Equal(d("67")))
	assert.True(t, balB.Equal(d("80")))

	f.flush(t)
	ctx := context.Background()

	txA, err := e.Ledger().All(ctx, a)
	require.NoError(t, err)
	require.Len(t, txA, 1)
	assert.True(t, txA[0].Amount.Equal(d("-30")))
	assert.Equal(t, "rent", txA[0].Reason)

	txB, err := e.Ledger().All(ctx, b)
	require.NoError(t, err)
	require.Len(t, txB, 1)
	assert.True(t, txB[0].Amount.Equal(d("30")))

	stored, ok, err := f.backend.Balance(ctx, "gold", a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, stored.Equal(d("67")))
}

func TestPay_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	a, b, c := player(), player(), player()
	e.SetBalance("gold", a, "", d("100"))
	e.SetBalance("gold", b, "", d("995"))

	tests := []struct {
		name   string
		p      Payment
		reason string
	}{
		{"unknown currency", Payment{Currency: "iron", From: a, To: b, Amount: d("1")}, balance.ReasonUnknownCurrency},
		{"zero", Payment{From: a, To: b, Amount: d("0")}, balance.ReasonInvalidAmount},
		{"rounds to zero", Payment{From: a, To: b, Amount: d("0.001")}, balance.ReasonInvalidAmount},
		{"self", Payment{From: a, To: a, Amount: d("1")}, balance.ReasonSelfPayment},
		{"receiver missing", Payment{From: a, To: c, Amount: d("1")}, balance.ReasonAccountNotFound},
		{"insufficient", Payment{From: a, To: b, Amount: d("95")}, balance.ReasonInsufficientFunds},
		{"receiver over max", Payment{From: a, To: b, Amount: d("10")}, balance.ReasonExceedsMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Pay(tt.p)
			assert.Equal(t, balance.StatusFailure, r.Status)
			assert.Equal(t, tt.reason, r.Reason)

			balA, _ := e.Balance("gold", a)
			assert.True(t, balA.Equal(d("100")), "sender balance changed to %s", balA)
		})
	}

	balB, _ := e.Balance("gold", b)
	assert.True(t, balB.Equal(d("995")))

	f.flush(t)
	txs, err := e.Ledger().All(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPay_Locks(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	a, b, c := player(), player(), player()
	for _, id := range []account.Identity{a, b, c} {
		e.SetBalance("gold", id, "", d("100"))
	}

	e.Lock(b, a)
	r := e.Pay(Payment{From: a, To: b, Amount: d("1")})
	assert.Equal(t, balance.ReasonPaymentLocked, r.Reason)
	assert.True(t, e.Pay(Payment{From: c, To: b, Amount: d("1")}).OK())

	e.Lock(b, account.Wildcard)
	assert.Equal(t, balance.ReasonPaymentLocked, e.Pay(Payment{From: c, To: b, Amount: d("1")}).Reason)
	assert.ElementsMatch(t, []account.Identity{account.Wildcard, a}, e.Locked(b))

	assert.True(t, e.Unlock(b, account.Wildcard))
	assert.True(t, e.Unlock(b, a))
	assert.False(t, e.Unlock(b, a))
	assert.True(t, e.Pay(Payment{From: a, To: b, Amount: d("1")}).OK())

	f.flush(t)
	locks, err := f.backend.LockRelations(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, locks, b)
}

func TestPay_ConcurrentNeverOverdraws(t *testing.T) {
	currency := gold()
	currency.TaxRate = decimal.Zero
	f := newFixture(t, nil, currency)
	e := f.economy

	payer := player()
	e.SetBalance("gold", payer, "", d("20"))
	receivers := make([]account.Identity, 10)
	for i := range receivers {
		receivers[i] = player()
		e.SetBalance("gold", receivers[i], "", d("0"))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if e.Pay(Payment{From: payer, To: receivers[i%len(receivers)], Amount: d("1")}).OK() {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, ok)
	bal, _ := e.Balance("gold", payer)
	assert.True(t, bal.IsZero())

	total := decimal.Zero
	for _, r := range receivers {
		b, _ := e.Balance("gold", r)
		total = total.Add(b)
	}
	assert.True(t, total.Equal(d("20")))
}

func TestRevert_MovesMoneyOnce(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	ctx := context.Background()
	a, b := player(), player()
	e.SetBalance("gold", a, "", d("100"))
	e.SetBalance("gold", b, "", d("50"))

	require.True(t, e.Pay(Payment{From: a, To: b, Amount: d("30")}).OK())
	f.flush(t)

	first, err := e.Revert(ctx, a, 0)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, int64(1), first.ID)
	assert.True(t, first.Balance.Balance.Equal(d("97")), first.Balance.Balance.String())

	second, err := e.Revert(ctx, a, 0)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	bal, _ := e.Balance("gold", a)
	assert.True(t, bal.Equal(d("97")))

	_, err = e.Revert(ctx, a, 42)
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)
}

func TestRevert_Concurrent(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	ctx := context.Background()
	a, b := player(), player()
	e.SetBalance("gold", a, "", d("100"))
	e.SetBalance("gold", b, "", d("0"))

	id, err := e.Record(ctx, "gold", b, a, d("10"), "gift")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]RevertResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = e.Revert(ctx, b, id)
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	bal, _ := e.Balance("gold", b)
	assert.True(t, bal.Equal(d("-10")), bal.String())
}

func TestTransactions_Filter(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	ctx := context.Background()
	a, b := player(), player()

	for i := 1; i <= 3; i++ {
		_, err := e.Record(ctx, "gold", a, b, decimal.NewFromInt(int64(-i)), "")
		require.NoError(t, err)
	}
	_, err := e.Record(ctx, "gems", a, b, d("-7"), "")
	require.NoError(t, err)

	txs, err := e.Transactions(ctx, a, 2, ledger.Filter{Currency: "gold"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(2), txs[0].ID)
	assert.Equal(t, int64(1), txs[1].ID)

	_, err = e.Record(ctx, "iron", a, b, d("1"), "")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestAccounts(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	a := player()

	r := e.CreateAccount("gold", a, "Steve")
	require.True(t, r.OK())
	assert.True(t, r.Balance.Equal(d("100")))
	assert.Equal(t, balance.ReasonAccountExists, e.CreateAccount("gold", a, "Steve").Reason)
	assert.Equal(t, balance.ReasonUnknownCurrency, e.CreateAccount("iron", a, "Steve").Reason)

	id, ok := e.LookupName("STEVE")
	assert.True(t, ok)
	assert.Equal(t, a, id)

	assert.True(t, e.Deposit("gold", a, "", d("10.005")).Balance.Equal(d("110.01")))
	assert.True(t, e.Withdraw("", a, "", d("10")).Balance.Equal(d("99.01")))
	assert.Equal(t, balance.ReasonExceedsMax, e.SetBalance("gold", a, "", d("1001")).Reason)
	assert.Equal(t, balance.ReasonInvalidAmount, e.SetBalance("gold", a, "", d("-1")).Reason)

	assert.True(t, e.Purge("gold", a))
	assert.False(t, e.HasAccount("gold", a))
	assert.False(t, e.Purge("gold", a))
}

func TestDeposit_OpensAccount(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	newbie := player()

	r := e.Deposit("gold", newbie, "Newbie", d("5"))
	require.True(t, r.OK(), "deposit to an untouched identity: %+v", r)
	assert.True(t, r.Balance.Equal(d("105")))
	assert.True(t, e.HasAccount("gold", newbie))

	id, ok := e.LookupName("newbie")
	assert.True(t, ok)
	assert.Equal(t, newbie, id)

	assert.Equal(t, balance.ReasonExceedsMax, e.Deposit("gold", player(), "", d("5000")).Reason)

	// payments still require an existing receiver
	stranger := player()
	res := e.Pay(Payment{Currency: "gold", From: newbie, To: stranger, Amount: d("1")})
	assert.Equal(t, balance.ReasonAccountNotFound, res.Reason)
	assert.False(t, e.HasAccount("gold", stranger))
}

func TestJoin(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	a := player()

	e.Join(a, "Steve")
	assert.True(t, e.HasAccount("gold", a))
	assert.True(t, e.HasAccount("gems", a))

	e.Deposit("gold", a, "", d("5"))
	e.Join(a, "Steve2")

	bal, _ := e.Balance("gold", a)
	assert.True(t, bal.Equal(d("105")), "join must not reset balances")
	c, _ := e.Cache("gold")
	assert.Equal(t, "Steve2", c.Name(a))
}

func TestParseAmount(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy

	v, ok := e.ParseAmount("gold", "1.5k")
	assert.True(t, ok)
	assert.True(t, v.Equal(d("1500")))

	_, ok = e.ParseAmount("gold", "abc")
	assert.False(t, ok)

	_, ok = e.ParseAmount("gold", "0.001")
	assert.False(t, ok)

	v, ok = e.ParseAmount("gems", "2.6")
	assert.True(t, ok)
	assert.True(t, v.Equal(d("3")))

	_, ok = e.ValidateAmount("iron", d("1"))
	assert.False(t, ok)
}

func TestBanks(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	owner := player()
	vault := account.MustParse("vault")

	assert.Equal(t, balance.StatusNotImplemented, e.CreateBank("gold", vault, owner).Status)
	assert.Equal(t, balance.StatusNotImplemented, e.BankDeposit("gold", vault, d("1")).Status)
	assert.Equal(t, balance.StatusNotImplemented, e.BankWithdraw("gold", vault, d("1")).Status)
	assert.Equal(t, balance.StatusNotImplemented, e.BankBalance("gold", vault).Status)

	assert.Equal(t, balance.ReasonAccountNotFound, e.CreateBank("gems", owner, owner).Reason)
	assert.Equal(t, balance.ReasonAccountNotFound, e.BankDeposit("gems", vault, d("1")).Reason)

	require.True(t, e.CreateBank("gems", vault, owner).OK())
	assert.Equal(t, balance.ReasonAccountExists, e.CreateBank("gems", vault, owner).Reason)

	assert.True(t, e.BankDeposit("gems", vault, d("40")).Balance.Equal(d("40")))
	assert.True(t, e.BankWithdraw("gems", vault, d("15")).Balance.Equal(d("25")))
	assert.Equal(t, balance.ReasonInsufficientFunds, e.BankWithdraw("gems", vault, d("26")).Reason)
	assert.True(t, e.BankBalance("gems", vault).Balance.Equal(d("25")))

	got, ok := e.BankOwner("gems", vault)
	assert.True(t, ok)
	assert.Equal(t, owner, got)
	assert.Len(t, e.Banks("gems"), 1)

	f.flush(t)
	owners, err := f.backend.BankOwners(context.Background(), "gems")
	require.NoError(t, err)
	assert.Equal(t, owner, owners[vault])

	bal, ok, err := f.backend.Balance(context.Background(), "gems", vault)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, bal.Equal(d("25")))
}

func TestTopAndMaxBalances(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	ctx := context.Background()
	a, b, c := player(), player(), player()

	e.SetBalance("gold", a, "", d("5"))
	e.SetBalance("gold", b, "", d("500"))
	e.SetBalance("gold", c, "", d("50"))
	e.SetBalance("gold", b, "", d("20"))
	f.flush(t)

	top, err := e.Top(ctx, "gold", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, c, top[0].Identity)
	assert.Equal(t, b, top[1].Identity)

	peaks, err := e.MaxBalances(ctx, "gold")
	require.NoError(t, err)
	assert.True(t, peaks[b].Equal(d("500")))

	_, err = e.Top(ctx, "iron", 2)
	assert.ErrorIs(t, err, ErrUnknownCurrency)
	_, err = e.MaxBalances(ctx, "iron")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestTop_SharesConcurrentQueries(t *testing.T) {
	release := make(chan struct{})
	backend := &mock.MockBackend{
		OrderedBalancesFunc: func(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
			<-release
			return []store.Entry{{Identity: account.MustParse("x"), Balance: d("1")}}, nil
		},
	}
	w := writer.NewAsyncWriter(writer.DefaultAsyncWriterConfig())
	defer w.Close()
	e, err := New(context.Background(), Config{ServerID: "s", Currencies: []account.Currency{gold()}, Backend: backend, Writer: w})
	require.NoError(t, err)
	defer e.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			top, err := e.Top(context.Background(), "gold", 10)
			assert.NoError(t, err)
			assert.Len(t, top, 1)
		}()
	}

	require.Eventually(t, func() bool { return backend.Calls("OrderedBalances") >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, backend.Calls("OrderedBalances"), 10)
}

func TestTop_CancelledCallerKeepsSharedQuery(t *testing.T) {
	release := make(chan struct{})
	backend := &mock.MockBackend{
		OrderedBalancesFunc: func(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
			select {
			case <-release:
				return []store.Entry{{Identity: account.MustParse("x"), Balance: d("1")}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	w := writer.NewAsyncWriter(writer.DefaultAsyncWriterConfig())
	defer w.Close()
	e, err := New(context.Background(), Config{ServerID: "s", Currencies: []account.Currency{gold()}, Backend: backend, Writer: w})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := e.Top(ctx, "gold", 10)
		first <- err
	}()
	require.Eventually(t, func() bool { return backend.Calls("OrderedBalances") == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := e.Top(context.Background(), "gold", 10)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.NoError(t, <-second)
	assert.NoError(t, <-first)
	assert.Equal(t, 1, backend.Calls("OrderedBalances"))
}

func TestBulkImport(t *testing.T) {
	f := newFixture(t, nil)
	e := f.economy
	ctx := context.Background()

	entries := make([]store.Entry, 100)
	names := make(map[string]account.Identity, 100)
	for i := range entries {
		id := player()
		entries[i] = store.Entry{Identity: id, Balance: decimal.NewFromInt(int64(i))}
		names["p"+decimal.NewFromInt(int64(i)).String()] = id
	}

	require.NoError(t, e.BulkImport(ctx, "gold", entries, names))

	bal, ok := e.Balance("gold", entries[42].Identity)
	assert.True(t, ok)
	assert.True(t, bal.Equal(d("42")))

	id, ok := e.LookupName("p42")
	assert.True(t, ok)
	assert.Equal(t, entries[42].Identity, id)

	stored, err := f.backend.Balances(ctx, "gold")
	require.NoError(t, err)
	assert.Len(t, stored, 100)
	assert.Zero(t, f.writer.Stats().TotalJobs, "bulk import must not use the write path")

	assert.ErrorIs(t, e.BulkImport(ctx, "iron", entries, names), ErrUnknownCurrency)
}

func TestBulkImport_BackendFailure(t *testing.T) {
	backend := &mock.MockBackend{
		BulkSetBalancesFunc: func(context.Context, string, []store.Entry, map[string]account.Identity) error {
			return store.ErrTimeout
		},
	}
	w := writer.NewAsyncWriter(writer.DefaultAsyncWriterConfig())
	defer w.Close()
	e, err := New(context.Background(), Config{ServerID: "s", Currencies: []account.Currency{gold()}, Backend: backend, Writer: w})
	require.NoError(t, err)
	defer e.Close()

	id := player()
	err = e.BulkImport(context.Background(), "gold", []store.Entry{{Identity: id, Balance: d("1")}}, nil)
	assert.True(t, errors.Is(err, store.ErrTimeout))
	assert.False(t, e.HasAccount("gold", id))
}

// startPeer starts one process of a shared economy.
func startPeer(t *testing.T, b bus.Bus, backend store.Backend, serverID string, currencies ...account.Currency) (*Economy, *writer.AsyncWriter) {
	t.Helper()
	w := writer.NewAsyncWriter(writer.AsyncWriterConfig{Name: serverID})
	e, err := New(context.Background(), Config{
		ServerID:   serverID,
		Currencies: currencies,
		Backend:    backend,
		Writer:     w,
		Bus:        b,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Close()
		_ = w.Close()
	})
	return e, w
}

func TestReplication_TwoProcesses(t *testing.T) {
	b := local.New(0)
	defer b.Close()
	backend := memory.NewMemoryBackend(memory.MemoryBackendConfig{})

	one, _ := startPeer(t, b, backend, "one", gold())
	two, _ := startPeer(t, b, backend, "two", gold())

	a := player()
	one.CreateAccount("gold", a, "Steve")
	require.Eventually(t, func() bool { return two.HasAccount("gold", a) }, 2*time.Second, 5*time.Millisecond)

	one.Deposit("gold", a, "", d("5"))
	require.Eventually(t, func() bool {
		bal, _ := two.Balance("gold", a)
		return bal.Equal(d("105"))
	}, 2*time.Second, 5*time.Millisecond)

	status := one.Status()
	assert.Equal(t, "one", status.ServerID)
	assert.Equal(t, "memory", status.Backend)
	require.Len(t, status.Currencies, 1)
	assert.Equal(t, "running", status.Currencies[0].State)
	assert.Equal(t, 1, status.Currencies[0].Accounts)
}

func TestReplication_NamesAndBanks(t *testing.T) {
	b := local.New(0)
	defer b.Close()
	backend := memory.NewMemoryBackend(memory.MemoryBackendConfig{})

	one, oneWriter := startPeer(t, b, backend, "one", gold(), gems())
	two, _ := startPeer(t, b, backend, "two", gold(), gems())

	a := player()
	require.True(t, one.CreateAccount("gold", a, "Steve").OK())
	require.Eventually(t, func() bool { return two.HasAccount("gold", a) }, 2*time.Second, 5*time.Millisecond)

	id, ok := two.LookupName("Steve")
	assert.True(t, ok, "replicated name must reach the peer's index")
	assert.Equal(t, a, id)

	vault := account.MustParse("vault")
	require.True(t, one.CreateBank("gems", vault, a).OK())
	require.NoError(t, oneWriter.Flush(2*time.Second))
	require.Eventually(t, func() bool { return two.HasAccount("gems", vault) }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, two.BankBalance("gems", vault).OK())
	r := two.BankDeposit("gems", vault, d("7"))
	require.True(t, r.OK(), "bank opened by a peer: %+v", r)
	assert.True(t, r.Balance.Equal(d("7")))

	owner, ok := two.BankOwner("gems", vault)
	assert.True(t, ok)
	assert.Equal(t, a, owner)

	require.Eventually(t, func() bool {
		return one.BankBalance("gems", vault).Balance.Equal(d("7"))
	}, 2*time.Second, 5*time.Millisecond)

	// unknown non-player identities are still rejected
	assert.Equal(t, balance.ReasonAccountNotFound, two.BankDeposit("gems", account.MustParse("nobank"), d("1")).Reason)
}
