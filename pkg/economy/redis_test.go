package economy

import (
	"context"
	"testing"
	"time"

	"coinsync/pkg/account"
	redisbus "coinsync/pkg/bus/redis"
	"coinsync/pkg/ledger"
	redisstore "coinsync/pkg/store/redis"
	"coinsync/pkg/writer"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startRedisPeer starts one process with its own Redis backend and Redis
// bus on mr.
func startRedisPeer(t *testing.T, mr *miniredis.Miniredis, serverID string) (*Economy, *writer.AsyncWriter) {
	t.Helper()

	config := redisstore.DefaultRedisBackendConfig()
	config.Addr = mr.Addr()
	config.AlwaysRESP2 = true
	config.DialTimeout = time.Second

	backend, err := redisstore.NewRedisBackend(context.Background(), config, nil)
	require.NoError(t, err)
	b := redisbus.New(backend.Pool(), nil)
	w := writer.NewAsyncWriter(writer.AsyncWriterConfig{Name: serverID, Workers: 2})

	e, err := New(context.Background(), Config{
		ServerID:   serverID,
		Currencies: []account.Currency{gold(), gems()},
		Backend:    backend,
		Writer:     w,
		Bus:        b,
		Schema:     backend.Schema(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = e.Close()
		_ = w.Flush(time.Second)
		_ = w.Close()
		_ = b.Close()
		_ = backend.Close()
	})
	return e, w
}

func TestRedis_TwoProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	one, oneWriter := startRedisPeer(t, mr, "one")
	two, twoWriter := startRedisPeer(t, mr, "two")
	for _, channel := range []string{"update_gold", "update_gems"} {
		require.Eventually(t, func() bool {
			return mr.PubSubNumSub(channel)[channel] == 2
		}, 2*time.Second, 5*time.Millisecond, channel)
	}

	a, b := player(), player()
	require.True(t, one.CreateAccount("gold", a, "Steve").OK())
	require.True(t, one.CreateAccount("gold", b, "Alex").OK())
	require.Eventually(t, func() bool {
		return two.HasAccount("gold", a) && two.HasAccount("gold", b)
	}, 2*time.Second, 5*time.Millisecond)

	id, ok := two.LookupName("alex")
	assert.True(t, ok)
	assert.Equal(t, b, id)

	paid := one.Pay(Payment{Currency: "gold", From: a, To: b, Amount: d("10"), Reason: "rent"})
	require.True(t, paid.OK(), "pay: %+v", paid)
	require.NoError(t, oneWriter.Flush(2*time.Second))
	require.Eventually(t, func() bool {
		bal, _ := two.Balance("gold", a)
		return bal.Equal(paid.Balance)
	}, 2*time.Second, 5*time.Millisecond)

	top, err := two.Top(ctx, "gold", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, b, top[0].Identity)
	assert.True(t, top[0].Balance.Equal(d("110")))

	txs, err := two.Transactions(ctx, a, 10, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(d("-10")))
	assert.Equal(t, "rent", txs[0].Reason)

	reverted, err := two.Revert(ctx, a, txs[0].ID)
	require.NoError(t, err)
	assert.True(t, reverted.Created)
	want := paid.Balance.Add(d("10"))
	assert.True(t, reverted.Balance.Balance.Equal(want))

	again, err := two.Revert(ctx, a, txs[0].ID)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, reverted.ID, again.ID)

	require.NoError(t, twoWriter.Flush(2*time.Second))
	require.Eventually(t, func() bool {
		bal, _ := one.Balance("gold", a)
		return bal.Equal(want)
	}, 2*time.Second, 5*time.Millisecond)

	vault := account.MustParse("vault")
	require.True(t, one.CreateBank("gems", vault, a).OK())
	require.NoError(t, oneWriter.Flush(2*time.Second))
	require.Eventually(t, func() bool { return two.HasAccount("gems", vault) }, 2*time.Second, 5*time.Millisecond)

	r := two.BankDeposit("gems", vault, d("3"))
	require.True(t, r.OK(), "bank deposit on the peer: %+v", r)
	require.NoError(t, twoWriter.Flush(2*time.Second))

	score, err := mr.ZScore("banks_gems", "vault")
	require.NoError(t, err)
	assert.Equal(t, 3.0, score)
	assert.Equal(t, "redis", two.Status().Backend)
}
