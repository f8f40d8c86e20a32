// Package redis implements store.Backend on a shared Redis server.
// Balances live in sorted sets scored by balance, lookups in hashes and
// each account's ledger in its own hash. Counter reads and writes run in
// Lua scripts so concurrent appenders on different nodes never collide.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"
	"coinsync/pkg/pool"
	"coinsync/pkg/store"

	"github.com/redis/rueidis"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RedisBackend is a store.Backend backed by a pool of rueidis clients.
type RedisBackend struct {
	config RedisBackendConfig
	schema store.Schema
	pool   *pool.Pool[*Conn]
	logger *logging.Logger
}

// RedisBackendConfig configures the Redis backend.
type RedisBackendConfig struct {
	Name string `env:"NAME" envDefault:"redis"`

	// Addr is the Redis server address.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`

	// KeyPrefix namespaces every key and channel
	KeyPrefix string `env:"KEY_PREFIX"`

	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`

	// AlwaysRESP2 forces the RESP2 protocol, needed by servers without HELLO
	AlwaysRESP2 bool `env:"ALWAYS_RESP2"`

	PoolSize    int `env:"POOL_SIZE" envDefault:"4"`
	MaxOverflow int `env:"POOL_MAX_OVERFLOW" envDefault:"4"`
}

// DefaultRedisBackendConfig returns a configuration for a local server.
func DefaultRedisBackendConfig() RedisBackendConfig {
	return RedisBackendConfig{
		Name:         "redis",
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MaxOverflow:  4,
	}
}

// NewRedisBackend creates a backend. The first connection is dialed eagerly
// so configuration errors surface here instead of on first use.
func NewRedisBackend(ctx context.Context, config RedisBackendConfig, collector metrics.MetricsCollector) (*RedisBackend, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	p := pool.NewWithMetrics(Dialer(config), pool.Config{
		Name:        config.Name,
		Size:        config.PoolSize,
		MaxOverflow: config.MaxOverflow,
	}, collector)

	if _, err := p.Acquire(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	return &RedisBackend{
		config: config,
		schema: store.Schema{Prefix: config.KeyPrefix},
		pool:   p,
		logger: logging.Global().Named("store").Named(config.Name),
	}, nil
}

var _ store.Backend = (*RedisBackend)(nil)

// Name returns the backend name.
func (r *RedisBackend) Name() string {
	return r.config.Name
}

// Schema returns the key layout in use.
func (r *RedisBackend) Schema() store.Schema {
	return r.schema
}

// Pool returns the connection pool, shared with the Redis replication bus.
func (r *RedisBackend) Pool() *pool.Pool[*Conn] {
	return r.pool
}

// Close closes every pooled connection.
func (r *RedisBackend) Close() error {
	return r.pool.Close()
}

// Ping checks that the server answers.
func (r *RedisBackend) Ping(ctx context.Context) error {
	_, err := r.do(ctx, "ping", func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Ping().Build())
	})
	return err
}

// do runs fn on a pooled connection and wraps any error.
func (r *RedisBackend) do(ctx context.Context, op string, fn func(c rueidis.Client) rueidis.RedisResult) (rueidis.RedisResult, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return rueidis.RedisResult{}, r.wrap(err, op)
	}
	resp := fn(conn.Client())
	if err := resp.Error(); err != nil && !rueidis.IsRedisNil(err) {
		conn.observe(err)
		return resp, r.wrap(err, op)
	}
	return resp, nil
}

func (r *RedisBackend) wrap(err error, op string) error {
	switch {
	case errors.Is(err, pool.ErrPoolClosed):
		err = fmt.Errorf("%w: %w", store.ErrClosed, err)
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", store.ErrTimeout, err)
	}
	return store.WrapError(err, r.config.Name, op)
}

func formatScore(d decimal.Decimal) string {
	return d.String()
}

func parseScore(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func (r *RedisBackend) zscores(ctx context.Context, op, key string, limit int) ([]rueidis.ZScore, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	resp, err := r.do(ctx, op, func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Zrevrange().Key(key).Start(0).Stop(stop).Withscores().Build())
	})
	if err != nil {
		return nil, err
	}
	scores, err := resp.AsZScores()
	if err != nil && !rueidis.IsRedisNil(err) {
		return nil, r.wrap(err, op)
	}
	return scores, nil
}

func (r *RedisBackend) entries(ctx context.Context, op, currency string, limit int) ([]store.Entry, error) {
	var entries []store.Entry
	for _, key := range []string{r.schema.PlayerBalances(currency), r.schema.BankBalances(currency)} {
		scores, err := r.zscores(ctx, op, key, limit)
		if err != nil {
			return nil, err
		}
		for _, z := range scores {
			id, err := account.Parse(z.Member)
			if err != nil {
				r.logger.Warn("skipping malformed balance member",
					zap.String("key", key),
					zap.String("member", z.Member),
				)
				continue
			}
			entries = append(entries, store.Entry{Identity: id, Balance: parseScore(z.Score)})
		}
	}
	return entries, nil
}

// Balances returns players and banks of the currency.
func (r *RedisBackend) Balances(ctx context.Context, currency string) ([]store.Entry, error) {
	return r.entries(ctx, "balances", currency, 0)
}

// OrderedBalances merges the player and bank leaderboards.
func (r *RedisBackend) OrderedBalances(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
	entries, err := r.entries(ctx, "ordered_balances", currency, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Balance.GreaterThan(entries[j].Balance)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Balance returns a single balance.
func (r *RedisBackend) Balance(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error) {
	key := r.schema.Balances(currency, id)
	resp, err := r.do(ctx, "balance", func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Zscore().Key(key).Member(id.String()).Build())
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	score, err := resp.AsFloat64()
	if rueidis.IsRedisNil(err) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, r.wrap(err, "balance")
	}
	return parseScore(score), true, nil
}

// MaxBalances returns the historical peaks of the currency.
func (r *RedisBackend) MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error) {
	scores, err := r.zscores(ctx, "max_balances", r.schema.MaxBalances(currency), 0)
	if err != nil {
		return nil, err
	}
	peaks := make(map[account.Identity]decimal.Decimal, len(scores))
	for _, z := range scores {
		if id, err := account.Parse(z.Member); err == nil {
			peaks[id] = parseScore(z.Score)
		}
	}
	return peaks, nil
}

// SetBalance writes the balance, peak and name in one script.
func (r *RedisBackend) SetBalance(ctx context.Context, currency string, entry store.Entry, name string) error {
	keys := []string{
		r.schema.Balances(currency, entry.Identity),
		r.schema.MaxBalances(currency),
		r.schema.NameIndex(),
	}
	args := []string{formatScore(entry.Balance), entry.Identity.String(), name}
	_, err := r.do(ctx, "set_balance", func(c rueidis.Client) rueidis.RedisResult {
		return setBalanceScript.Exec(ctx, c, keys, args)
	})
	return err
}

// DeleteBalance removes a balance.
func (r *RedisBackend) DeleteBalance(ctx context.Context, currency string, id account.Identity) error {
	key := r.schema.Balances(currency, id)
	_, err := r.do(ctx, "delete_balance", func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Zrem().Key(key).Member(id.String()).Build())
	})
	return err
}

// BulkSetBalances writes all entries in a single MULTI/EXEC block on a
// dedicated connection. The pooled connection is pinned meanwhile.
func (r *RedisBackend) BulkSetBalances(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error {
	if len(entries) == 0 && len(names) == 0 {
		return nil
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return r.wrap(err, "bulk_set_balances")
	}
	unpin := conn.Pin()
	defer unpin()

	err = conn.Client().Dedicated(func(c rueidis.DedicatedClient) error {
		cmds := make(rueidis.Commands, 0, 2*len(entries)+len(names)+2)
		cmds = append(cmds, c.B().Multi().Build())
		for _, e := range entries {
			score := e.Balance.InexactFloat64()
			member := e.Identity.String()
			cmds = append(cmds,
				c.B().Zadd().Key(r.schema.Balances(currency, e.Identity)).ScoreMember().ScoreMember(score, member).Build(),
				c.B().Zadd().Key(r.schema.MaxBalances(currency)).Gt().ScoreMember().ScoreMember(score, member).Build(),
			)
		}
		for name, id := range names {
			cmds = append(cmds, c.B().Hset().Key(r.schema.NameIndex()).FieldValue().FieldValue(name, id.String()).Build())
		}
		cmds = append(cmds, c.B().Exec().Build())

		for _, resp := range c.DoMulti(ctx, cmds...) {
			if err := resp.Error(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		conn.observe(err)
		return r.wrap(err, "bulk_set_balances")
	}
	return nil
}

func (r *RedisBackend) hgetall(ctx context.Context, op, key string) (map[string]string, error) {
	resp, err := r.do(ctx, op, func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Hgetall().Key(key).Build())
	})
	if err != nil {
		return nil, err
	}
	m, err := resp.AsStrMap()
	if err != nil && !rueidis.IsRedisNil(err) {
		return nil, r.wrap(err, op)
	}
	return m, nil
}

func (r *RedisBackend) hset(ctx context.Context, op, key, field, value string) error {
	_, err := r.do(ctx, op, func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Hset().Key(key).FieldValue().FieldValue(field, value).Build())
	})
	return err
}

// NameIndex returns the name -> identity index.
func (r *RedisBackend) NameIndex(ctx context.Context) (map[string]account.Identity, error) {
	raw, err := r.hgetall(ctx, "name_index", r.schema.NameIndex())
	if err != nil {
		return nil, err
	}
	names := make(map[string]account.Identity, len(raw))
	for name, value := range raw {
		if id, err := account.Parse(value); err == nil {
			names[name] = id
		}
	}
	return names, nil
}

// LockRelations returns every lock list.
func (r *RedisBackend) LockRelations(ctx context.Context) (map[account.Identity][]account.Identity, error) {
	raw, err := r.hgetall(ctx, "lock_relations", r.schema.LockRelations())
	if err != nil {
		return nil, err
	}
	locks := make(map[account.Identity][]account.Identity, len(raw))
	for field, value := range raw {
		owner, err := account.Parse(field)
		if err != nil {
			continue
		}
		for _, part := range strings.Split(value, ",") {
			if id, err := account.Parse(part); err == nil {
				locks[owner] = append(locks[owner], id)
			}
		}
	}
	return locks, nil
}

// SetLockRelation replaces the lock list of owner.
func (r *RedisBackend) SetLockRelation(ctx context.Context, owner account.Identity, locked []account.Identity) error {
	key := r.schema.LockRelations()
	if len(locked) == 0 {
		_, err := r.do(ctx, "set_lock_relation", func(c rueidis.Client) rueidis.RedisResult {
			return c.Do(ctx, c.B().Hdel().Key(key).Field(owner.String()).Build())
		})
		return err
	}

	parts := make([]string, len(locked))
	for i, id := range locked {
		parts[i] = id.String()
	}
	return r.hset(ctx, "set_lock_relation", key, owner.String(), strings.Join(parts, ","))
}

// BankOwners returns bank -> owner for the currency.
func (r *RedisBackend) BankOwners(ctx context.Context, currency string) (map[account.Identity]account.Identity, error) {
	raw, err := r.hgetall(ctx, "bank_owners", r.schema.BankOwners(currency))
	if err != nil {
		return nil, err
	}
	owners := make(map[account.Identity]account.Identity, len(raw))
	for field, value := range raw {
		bank, err1 := account.Parse(field)
		owner, err2 := account.Parse(value)
		if err1 == nil && err2 == nil {
			owners[bank] = owner
		}
	}
	return owners, nil
}

// SetBankOwner records the owner of a bank.
func (r *RedisBackend) SetBankOwner(ctx context.Context, currency string, bank, owner account.Identity) error {
	return r.hset(ctx, "set_bank_owner", r.schema.BankOwners(currency), bank.String(), owner.String())
}

// AppendTransaction stores record at HLEN of the owner's ledger.
func (r *RedisBackend) AppendTransaction(ctx context.Context, owner account.Identity, record string) (int64, error) {
	keys := []string{r.schema.Transactions(owner)}
	resp, err := r.do(ctx, "append_transaction", func(c rueidis.Client) rueidis.RedisResult {
		return appendScript.Exec(ctx, c, keys, []string{record})
	})
	if err != nil {
		return 0, err
	}
	id, err := resp.AsInt64()
	if err != nil {
		return 0, r.wrap(err, "append_transaction")
	}
	return id, nil
}

// Transactions returns every record of owner.
func (r *RedisBackend) Transactions(ctx context.Context, owner account.Identity) (map[int64]string, error) {
	raw, err := r.hgetall(ctx, "transactions", r.schema.Transactions(owner))
	if err != nil {
		return nil, err
	}
	records := make(map[int64]string, len(raw))
	for field, record := range raw {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			r.logger.Warn("skipping malformed transaction id",
				zap.Stringer("account", owner),
				zap.String("field", field),
			)
			continue
		}
		records[id] = record
	}
	return records, nil
}

// Transaction returns one record.
func (r *RedisBackend) Transaction(ctx context.Context, owner account.Identity, id int64) (string, bool, error) {
	key := r.schema.Transactions(owner)
	resp, err := r.do(ctx, "transaction", func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Hget().Key(key).Field(strconv.FormatInt(id, 10)).Build())
	})
	if err != nil {
		return "", false, err
	}
	record, err := resp.ToString()
	if rueidis.IsRedisNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap(err, "transaction")
	}
	return record, true, nil
}

// RevertTransaction runs the revert script.
func (r *RedisBackend) RevertTransaction(ctx context.Context, owner account.Identity, id int64, opposite string) (store.RevertOutcome, error) {
	keys := []string{r.schema.Transactions(owner)}
	args := []string{strconv.FormatInt(id, 10), opposite}
	resp, err := r.do(ctx, "revert_transaction", func(c rueidis.Client) rueidis.RedisResult {
		return revertScript.Exec(ctx, c, keys, args)
	})
	if err != nil {
		return store.RevertOutcome{}, err
	}

	reply, err := resp.AsIntSlice()
	if err != nil {
		return store.RevertOutcome{}, r.wrap(err, "revert_transaction")
	}
	if len(reply) != 2 {
		return store.RevertOutcome{}, r.wrap(fmt.Errorf("%w: unexpected reply %v", store.ErrInvalidRecord, reply), "revert_transaction")
	}

	switch reply[0] {
	case -1:
		return store.RevertOutcome{}, r.wrap(store.ErrTransactionNotFound, "revert_transaction")
	case -2:
		return store.RevertOutcome{}, r.wrap(store.ErrInvalidRecord, "revert_transaction")
	case 0:
		return store.RevertOutcome{ID: reply[1]}, nil
	default:
		return store.RevertOutcome{ID: reply[1], Created: true}, nil
	}
}

// TransactionCounter returns HLEN of the owner's ledger.
func (r *RedisBackend) TransactionCounter(ctx context.Context, owner account.Identity) (int64, error) {
	key := r.schema.Transactions(owner)
	resp, err := r.do(ctx, "transaction_counter", func(c rueidis.Client) rueidis.RedisResult {
		return c.Do(ctx, c.B().Hlen().Key(key).Build())
	})
	if err != nil {
		return 0, err
	}
	n, err := resp.AsInt64()
	if err != nil {
		return 0, r.wrap(err, "transaction_counter")
	}
	return n, nil
}
