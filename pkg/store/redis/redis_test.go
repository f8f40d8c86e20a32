package redis

import (
	"context"
	"testing"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/metrics/memory"
	"coinsync/pkg/store"
	"coinsync/pkg/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(mr *miniredis.Miniredis) RedisBackendConfig {
	config := DefaultRedisBackendConfig()
	config.Name = "test-redis"
	config.Addr = mr.Addr()
	config.AlwaysRESP2 = true
	config.DialTimeout = time.Second
	return config
}

func setupTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	r, err := NewRedisBackend(context.Background(), testConfig(mr), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisBackend_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		r, _ := setupTestRedis(t)
		return r
	})
}

func TestNewRedisBackend_Unreachable(t *testing.T) {
	config := DefaultRedisBackendConfig()
	config.Addr = "127.0.0.1:1"
	config.DialTimeout = 200 * time.Millisecond

	_, err := NewRedisBackend(context.Background(), config, nil)
	assert.Error(t, err)
}

func TestRedisBackend_KeyLayout(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()

	player := account.Player(uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"))
	bank := account.MustParse("vault")

	require.NoError(t, r.SetBalance(ctx, "gold", store.Entry{Identity: player, Balance: decimal.NewFromInt(100)}, "alice"))
	require.NoError(t, r.SetBalance(ctx, "gold", store.Entry{Identity: bank, Balance: decimal.NewFromInt(7)}, ""))

	score, err := mr.ZScore("balances_gold", player.String())
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)

	score, err = mr.ZScore("banks_gold", "vault")
	require.NoError(t, err)
	assert.Equal(t, 7.0, score)

	assert.Equal(t, player.String(), mr.HGet("player_names", "alice"))

	peak, err := mr.ZScore("maxbalances_gold", player.String())
	require.NoError(t, err)
	assert.Equal(t, 100.0, peak)

	id, err := r.AppendTransaction(ctx, player, "a;1;b;-1;gold;x")
	require.NoError(t, err)
	assert.Equal(t, "a;1;b;-1;gold;x", mr.HGet("transactions:"+player.String(), "0"))
	assert.Equal(t, int64(0), id)
}

func TestRedisBackend_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	config := testConfig(mr)
	config.KeyPrefix = "eco1:"

	r, err := NewRedisBackend(context.Background(), config, nil)
	require.NoError(t, err)
	defer r.Close()

	bank := account.MustParse("vault")
	require.NoError(t, r.SetBalance(context.Background(), "gold", store.Entry{Identity: bank, Balance: decimal.NewFromInt(3)}, ""))

	assert.True(t, mr.Exists("eco1:banks_gold"))
	assert.False(t, mr.Exists("banks_gold"))
	assert.Equal(t, "eco1:update_gold", r.Schema().UpdateChannel("gold"))
}

func TestRedisBackend_Redial(t *testing.T) {
	mr := miniredis.RunT(t)
	collector := memory.NewMemoryCollector()

	config := testConfig(mr)
	config.PoolSize = 1
	r, err := NewRedisBackend(context.Background(), config, collector)
	require.NoError(t, err)
	defer r.Close()

	conn, err := r.Pool().Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.NoError(t, r.Ping(context.Background()))
	assert.Equal(t, 1, r.Pool().OpenConns())
	assert.Equal(t, int64(2), collector.Snapshot().PoolDials["test-redis"])
}

func TestRedisBackend_RevertMalformed(t *testing.T) {
	r, mr := setupTestRedis(t)
	player := account.Player(uuid.New())

	mr.HSet("transactions:"+player.String(), "0", "broken;record")

	_, err := r.RevertTransaction(context.Background(), player, 0, "x;1;y;1;gold;r")
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestRedisBackend_Closed(t *testing.T) {
	r, _ := setupTestRedis(t)
	require.NoError(t, r.Close())

	_, err := r.Balances(context.Background(), "gold")
	assert.ErrorIs(t, err, store.ErrClosed)
}

// The balance script and the bulk import both write keys from several hash
// slots, which only a single-node client accepts.
func TestRedisBackend_MultiSlotWrites(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()
	player := account.Player(uuid.New())

	assert.NotPanics(t, func() {
		require.NoError(t, r.SetBalance(ctx, "gold", store.Entry{Identity: player, Balance: decimal.NewFromInt(9)}, "steve"))
	})
	assert.Equal(t, player.String(), mr.HGet("player_names", "steve"))

	assert.NotPanics(t, func() {
		require.NoError(t, r.BulkSetBalances(ctx, "gems", []store.Entry{
			{Identity: player, Balance: decimal.NewFromInt(4)},
		}, map[string]account.Identity{"steve2": player}))
	})
	peak, err := mr.ZScore("maxbalances_gems", player.String())
	require.NoError(t, err)
	assert.Equal(t, 4.0, peak)
}
