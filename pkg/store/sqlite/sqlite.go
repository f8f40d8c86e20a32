// Package sqlite implements store.Backend on a local SQLite file for
// single-node deployments. Balances keep their exact decimal text alongside
// a REAL score used for ordering.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"coinsync/pkg/account"
	"coinsync/pkg/logging"
	"coinsync/pkg/store"
	"coinsync/pkg/store/sqlite/migrations"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is a store.Backend persisted in one SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	name   string
	logger *logging.Logger

	// writeMu serializes read-modify-write transactions so counter reads
	// never race between connections of the same process.
	writeMu sync.Mutex
}

// SQLiteBackendConfig configures the sqlite backend.
type SQLiteBackendConfig struct {
	Name string `env:"NAME" envDefault:"sqlite"`

	// Path is the database file. It is created if missing.
	Path string `env:"PATH" envDefault:"coinsync.db"`
}

// Open opens the database at config.Path and applies embedded migrations.
func Open(ctx context.Context, config SQLiteBackendConfig) (*SQLiteBackend, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	if config.Name == "" {
		config.Name = "sqlite"
	}

	dsn := filepath.Clean(config.Path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteBackend{
		db:     db,
		name:   config.Name,
		logger: logging.Global().Named("store").Named(config.Name),
	}, nil
}

var _ store.Backend = (*SQLiteBackend)(nil)

// Name returns the backend name.
func (s *SQLiteBackend) Name() string {
	return s.name
}

// Close closes the database handle.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed"):
		err = fmt.Errorf("%w: %w", store.ErrClosed, err)
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", store.ErrTimeout, err)
	}
	return store.WrapError(err, s.name, op)
}

// inTx runs fn in a write transaction under writeMu.
func (s *SQLiteBackend) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.wrap(err, op)
	}
	return s.wrap(tx.Commit(), op)
}

func (s *SQLiteBackend) scanEntries(rows *sql.Rows, op string) ([]store.Entry, error) {
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var rawID, rawBalance string
		if err := rows.Scan(&rawID, &rawBalance); err != nil {
			return nil, s.wrap(err, op)
		}
		id, err := account.Parse(rawID)
		if err != nil {
			s.logger.Warn("skipping malformed identity", zap.String("identity", rawID))
			continue
		}
		balance, err := decimal.NewFromString(rawBalance)
		if err != nil {
			s.logger.Warn("skipping malformed balance",
				zap.String("identity", rawID),
				zap.String("balance", rawBalance),
			)
			continue
		}
		entries = append(entries, store.Entry{Identity: id, Balance: balance})
	}
	return entries, s.wrap(rows.Err(), op)
}

// Balances returns every stored balance for the currency.
func (s *SQLiteBackend) Balances(ctx context.Context, currency string) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, balance FROM balances WHERE currency = ?`, currency)
	if err != nil {
		return nil, s.wrap(err, "balances")
	}
	return s.scanEntries(rows, "balances")
}

// OrderedBalances returns balances sorted descending by score.
func (s *SQLiteBackend) OrderedBalances(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, balance FROM balances WHERE currency = ?
		 ORDER BY score DESC, identity DESC LIMIT ?`, currency, limit)
	if err != nil {
		return nil, s.wrap(err, "ordered_balances")
	}
	return s.scanEntries(rows, "ordered_balances")
}

// Balance returns a single balance.
func (s *SQLiteBackend) Balance(ctx context.Context, currency string, id account.Identity) (decimal.Decimal, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE currency = ? AND identity = ?`,
		currency, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, s.wrap(err, "balance")
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, s.wrap(fmt.Errorf("%w: balance %q", store.ErrInvalidRecord, raw), "balance")
	}
	return balance, true, nil
}

// MaxBalances returns the historical peaks of the currency.
func (s *SQLiteBackend) MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, balance FROM max_balances WHERE currency = ?`, currency)
	if err != nil {
		return nil, s.wrap(err, "max_balances")
	}
	entries, err := s.scanEntries(rows, "max_balances")
	if err != nil {
		return nil, err
	}
	peaks := make(map[account.Identity]decimal.Decimal, len(entries))
	for _, e := range entries {
		peaks[e.Identity] = e.Balance
	}
	return peaks, nil
}

func setBalanceTx(ctx context.Context, tx *sql.Tx, currency string, entry store.Entry) error {
	id := entry.Identity.String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balances (currency, identity, balance, score) VALUES (?, ?, ?, ?)
		 ON CONFLICT (currency, identity) DO UPDATE SET balance = excluded.balance, score = excluded.score`,
		currency, id, entry.Balance.String(), entry.Balance.InexactFloat64(),
	); err != nil {
		return err
	}

	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM max_balances WHERE currency = ? AND identity = ?`, currency, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if peak, perr := decimal.NewFromString(raw); perr == nil && !entry.Balance.GreaterThan(peak) {
			return nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO max_balances (currency, identity, balance) VALUES (?, ?, ?)
		 ON CONFLICT (currency, identity) DO UPDATE SET balance = excluded.balance`,
		currency, id, entry.Balance.String())
	return err
}

func setNameTx(ctx context.Context, tx *sql.Tx, name string, id account.Identity) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO player_names (name, identity) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET identity = excluded.identity`,
		name, id.String())
	return err
}

// SetBalance writes the balance, peak and name in one transaction.
func (s *SQLiteBackend) SetBalance(ctx context.Context, currency string, entry store.Entry, name string) error {
	return s.inTx(ctx, "set_balance", func(tx *sql.Tx) error {
		if err := setBalanceTx(ctx, tx, currency, entry); err != nil {
			return err
		}
		if name != "" {
			return setNameTx(ctx, tx, name, entry.Identity)
		}
		return nil
	})
}

// DeleteBalance removes a balance.
func (s *SQLiteBackend) DeleteBalance(ctx context.Context, currency string, id account.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM balances WHERE currency = ? AND identity = ?`, currency, id.String())
	return s.wrap(err, "delete_balance")
}

// BulkSetBalances writes all entries and names in one transaction.
func (s *SQLiteBackend) BulkSetBalances(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error {
	return s.inTx(ctx, "bulk_set_balances", func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := setBalanceTx(ctx, tx, currency, e); err != nil {
				return err
			}
		}
		for name, id := range names {
			if err := setNameTx(ctx, tx, name, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// NameIndex returns the name -> identity index.
func (s *SQLiteBackend) NameIndex(ctx context.Context) (map[string]account.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, identity FROM player_names`)
	if err != nil {
		return nil, s.wrap(err, "name_index")
	}
	defer rows.Close()

	names := make(map[string]account.Identity)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, s.wrap(err, "name_index")
		}
		if id, err := account.Parse(raw); err == nil {
			names[name] = id
		}
	}
	return names, s.wrap(rows.Err(), "name_index")
}

// LockRelations returns every lock list.
func (s *SQLiteBackend) LockRelations(ctx context.Context) (map[account.Identity][]account.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner, locked FROM locked_accounts`)
	if err != nil {
		return nil, s.wrap(err, "lock_relations")
	}
	defer rows.Close()

	locks := make(map[account.Identity][]account.Identity)
	for rows.Next() {
		var rawOwner, rawLocked string
		if err := rows.Scan(&rawOwner, &rawLocked); err != nil {
			return nil, s.wrap(err, "lock_relations")
		}
		owner, err := account.Parse(rawOwner)
		if err != nil {
			continue
		}
		for _, part := range strings.Split(rawLocked, ",") {
			if id, err := account.Parse(part); err == nil {
				locks[owner] = append(locks[owner], id)
			}
		}
	}
	return locks, s.wrap(rows.Err(), "lock_relations")
}

// SetLockRelation replaces the lock list of owner.
func (s *SQLiteBackend) SetLockRelation(ctx context.Context, owner account.Identity, locked []account.Identity) error {
	if len(locked) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM locked_accounts WHERE owner = ?`, owner.String())
		return s.wrap(err, "set_lock_relation")
	}

	parts := make([]string, len(locked))
	for i, id := range locked {
		parts[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locked_accounts (owner, locked) VALUES (?, ?)
		 ON CONFLICT (owner) DO UPDATE SET locked = excluded.locked`,
		owner.String(), strings.Join(parts, ","))
	return s.wrap(err, "set_lock_relation")
}

// BankOwners returns bank -> owner for the currency.
func (s *SQLiteBackend) BankOwners(ctx context.Context, currency string) (map[account.Identity]account.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bank, owner FROM bank_owners WHERE currency = ?`, currency)
	if err != nil {
		return nil, s.wrap(err, "bank_owners")
	}
	defer rows.Close()

	owners := make(map[account.Identity]account.Identity)
	for rows.Next() {
		var rawBank, rawOwner string
		if err := rows.Scan(&rawBank, &rawOwner); err != nil {
			return nil, s.wrap(err, "bank_owners")
		}
		bank, err1 := account.Parse(rawBank)
		owner, err2 := account.Parse(rawOwner)
		if err1 == nil && err2 == nil {
			owners[bank] = owner
		}
	}
	return owners, s.wrap(rows.Err(), "bank_owners")
}

// SetBankOwner records the owner of a bank.
func (s *SQLiteBackend) SetBankOwner(ctx context.Context, currency string, bank, owner account.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bank_owners (currency, bank, owner) VALUES (?, ?, ?)
		 ON CONFLICT (currency, bank) DO UPDATE SET owner = excluded.owner`,
		currency, bank.String(), owner.String())
	return s.wrap(err, "set_bank_owner")
}

// nextID reserves the next ledger id of owner inside tx.
func nextID(ctx context.Context, tx *sql.Tx, owner string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT next FROM ledger_counters WHERE owner = ?`, owner).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_counters (owner, next) VALUES (?, ?)
		 ON CONFLICT (owner) DO UPDATE SET next = excluded.next`,
		owner, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// AppendTransaction stores record under the next id of owner.
func (s *SQLiteBackend) AppendTransaction(ctx context.Context, owner account.Identity, record string) (int64, error) {
	var id int64
	err := s.inTx(ctx, "append_transaction", func(tx *sql.Tx) error {
		var err error
		if id, err = nextID(ctx, tx, owner.String()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (owner, id, record) VALUES (?, ?, ?)`, owner.String(), id, record)
		return err
	})
	return id, err
}

// Transactions returns every record of owner.
func (s *SQLiteBackend) Transactions(ctx context.Context, owner account.Identity) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM transactions WHERE owner = ?`, owner.String())
	if err != nil {
		return nil, s.wrap(err, "transactions")
	}
	defer rows.Close()

	records := make(map[int64]string)
	for rows.Next() {
		var (
			id     int64
			record string
		)
		if err := rows.Scan(&id, &record); err != nil {
			return nil, s.wrap(err, "transactions")
		}
		records[id] = record
	}
	return records, s.wrap(rows.Err(), "transactions")
}

// Transaction returns one record.
func (s *SQLiteBackend) Transaction(ctx context.Context, owner account.Identity, id int64) (string, bool, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM transactions WHERE owner = ? AND id = ?`, owner.String(), id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap(err, "transaction")
	}
	return record, true, nil
}

// RevertTransaction appends opposite and links it to the original, once.
func (s *SQLiteBackend) RevertTransaction(ctx context.Context, owner account.Identity, id int64, opposite string) (store.RevertOutcome, error) {
	var outcome store.RevertOutcome
	err := s.inTx(ctx, "revert_transaction", func(tx *sql.Tx) error {
		var original string
		err := tx.QueryRowContext(ctx,
			`SELECT record FROM transactions WHERE owner = ? AND id = ?`, owner.String(), id).Scan(&original)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}

		ref, reverted, err := store.RevertRef(original)
		if err != nil {
			return err
		}
		if reverted {
			outcome = store.RevertOutcome{ID: ref}
			return nil
		}

		newID, err := nextID(ctx, tx, owner.String())
		if err != nil {
			return err
		}
		linked, err := store.WithRevertRef(original, newID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (owner, id, record) VALUES (?, ?, ?)`, owner.String(), newID, opposite); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET record = ? WHERE owner = ? AND id = ?`, linked, owner.String(), id); err != nil {
			return err
		}
		outcome = store.RevertOutcome{ID: newID, Created: true}
		return nil
	})
	return outcome, err
}

// TransactionCounter returns the id the next append for owner will receive.
func (s *SQLiteBackend) TransactionCounter(ctx context.Context, owner account.Identity) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `SELECT next FROM ledger_counters WHERE owner = ?`, owner.String()).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return next, s.wrap(err, "transaction_counter")
}
