// Package economy is the process-wide context object: it owns one balance
// cache per currency, the ledger, the name index, lock relations and bank
// ownership, and implements the flows that span them (payments, reverts,
// bulk imports). It is built once at startup and passed to whatever needs
// currency lookup.
package economy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"coinsync/pkg/account"
	"coinsync/pkg/balance"
	"coinsync/pkg/bus"
	"coinsync/pkg/ledger"
	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"
	"coinsync/pkg/replication"
	"coinsync/pkg/store"
	"coinsync/pkg/writer"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Job kinds submitted by the economy.
const (
	KindLedger    = "ledger"
	KindLocks     = "locks"
	KindBankOwner = "bank_owner"
)

// ErrUnknownCurrency is returned for currency names the economy does not serve.
var ErrUnknownCurrency = errors.New("economy: unknown currency")

// Config configures an Economy.
type Config struct {
	// ServerID identifies this process on the bus
	ServerID string

	// Currencies served by this process; exactly one must be default
	// unless there is only one
	Currencies []account.Currency

	Backend store.Backend
	Writer  balance.Submitter

	// Bus carries replication messages; nil runs without peers
	Bus    bus.Bus
	Schema store.Schema

	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
}

// Economy is the registry of currencies and the flows between accounts.
type Economy struct {
	serverID string
	backend  store.Backend
	writer   balance.Submitter
	ledger   *ledger.Ledger
	logger   *logging.Logger

	currencies  []account.Currency
	caches      map[string]*balance.Cache
	defaultName string

	namesMu sync.RWMutex
	names   map[string]account.Identity

	locksMu sync.RWMutex
	locks   map[account.Identity]map[account.Identity]struct{}

	banksMu sync.RWMutex
	banks   map[string]map[account.Identity]account.Identity

	top singleflight.Group
}

// New validates the currencies, loads every cache and the shared indexes
// concurrently, and subscribes to replication. Any load failure aborts
// startup.
func New(ctx context.Context, config Config) (*Economy, error) {
	if config.Backend == nil {
		return nil, errors.New("economy: backend is required")
	}
	if config.Writer == nil {
		return nil, errors.New("economy: writer is required")
	}
	if config.ServerID == "" {
		return nil, errors.New("economy: server id is required")
	}
	defaultName, err := validateCurrencies(config.Currencies)
	if err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NoOpCollector{}
	}

	logger := logging.OrGlobal(config.Logger)
	e := &Economy{
		serverID:    config.ServerID,
		backend:     config.Backend,
		writer:      config.Writer,
		ledger:      ledger.New(config.Backend, ledger.Config{Metrics: config.Metrics, Logger: logger}),
		logger:      logger.Named("economy"),
		currencies:  append([]account.Currency(nil), config.Currencies...),
		caches:      make(map[string]*balance.Cache, len(config.Currencies)),
		defaultName: defaultName,
		names:       make(map[string]account.Identity),
		locks:       make(map[account.Identity]map[account.Identity]struct{}),
		banks:       make(map[string]map[account.Identity]account.Identity),
	}

	var publisher balance.Publisher
	if config.Bus != nil {
		publisher = replication.NewPublisher(config.Bus, config.ServerID, config.Schema)
	}

	caches := make([]*balance.Cache, len(config.Currencies))
	owners := make([]map[account.Identity]account.Identity, len(config.Currencies))

	g, gctx := errgroup.WithContext(ctx)
	for i, currency := range config.Currencies {
		g.Go(func() error {
			c, err := balance.New(gctx, balance.Config{
				Currency:  currency,
				Backend:   config.Backend,
				Writer:    config.Writer,
				Publisher: publisher,
				Bus:       config.Bus,
				Origin:    config.ServerID,
				Schema:    config.Schema,
				OnApply:   e.rememberReplicatedName,
				Metrics:   config.Metrics,
				Logger:    logger,
			})
			caches[i] = c
			return err
		})
		if currency.BankSupport {
			g.Go(func() error {
				m, err := config.Backend.BankOwners(gctx, currency.Name)
				if err != nil {
					return fmt.Errorf("economy: load bank owners of %s: %w", currency.Name, err)
				}
				owners[i] = m
				return nil
			})
		}
	}

	var names map[string]account.Identity
	g.Go(func() error {
		var err error
		if names, err = config.Backend.NameIndex(gctx); err != nil {
			return fmt.Errorf("economy: load name index: %w", err)
		}
		return nil
	})

	var locks map[account.Identity][]account.Identity
	g.Go(func() error {
		var err error
		if locks, err = config.Backend.LockRelations(gctx); err != nil {
			return fmt.Errorf("economy: load lock relations: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		for _, c := range caches {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, err
	}

	for i, currency := range config.Currencies {
		e.caches[currency.Name] = caches[i]
		if currency.BankSupport {
			e.banks[currency.Name] = owners[i]
			if e.banks[currency.Name] == nil {
				e.banks[currency.Name] = make(map[account.Identity]account.Identity)
			}
		}
	}
	for name, id := range names {
		e.names[strings.ToLower(name)] = id
	}
	for owner, locked := range locks {
		set := make(map[account.Identity]struct{}, len(locked))
		for _, id := range locked {
			set[id] = struct{}{}
		}
		e.locks[owner] = set
	}

	e.logger.Info("economy started",
		zap.String("server_id", e.serverID),
		zap.Int("currencies", len(e.currencies)),
		zap.String("default", e.defaultName),
		zap.Int("names", len(e.names)),
	)
	return e, nil
}

func validateCurrencies(currencies []account.Currency) (string, error) {
	if len(currencies) == 0 {
		return "", errors.New("economy: no currencies configured")
	}

	seen := make(map[string]struct{}, len(currencies))
	defaultName := ""
	for _, c := range currencies {
		if err := c.Validate(); err != nil {
			return "", err
		}
		if _, dup := seen[c.Name]; dup {
			return "", fmt.Errorf("economy: duplicate currency %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Default {
			if defaultName != "" {
				return "", fmt.Errorf("economy: both %q and %q are default", defaultName, c.Name)
			}
			defaultName = c.Name
		}
	}

	if defaultName == "" {
		if len(currencies) > 1 {
			return "", errors.New("economy: no default currency")
		}
		defaultName = currencies[0].Name
	}
	return defaultName, nil
}

// ServerID returns this process's id on the bus.
func (e *Economy) ServerID() string {
	return e.serverID
}

// Ledger returns the transaction ledger.
func (e *Economy) Ledger() *ledger.Ledger {
	return e.ledger
}

// Currencies returns the served currencies in configuration order.
func (e *Economy) Currencies() []account.Currency {
	return append([]account.Currency(nil), e.currencies...)
}

// Default returns the default currency.
func (e *Economy) Default() account.Currency {
	return e.caches[e.defaultName].Currency()
}

// Currency resolves a currency by name; an empty name is the default.
func (e *Economy) Currency(name string) (account.Currency, bool) {
	c, ok := e.Cache(name)
	if !ok {
		return account.Currency{}, false
	}
	return c.Currency(), true
}

// Cache returns the balance cache of a currency; an empty name is the default.
func (e *Economy) Cache(name string) (*balance.Cache, bool) {
	if name == "" {
		name = e.defaultName
	}
	c, ok := e.caches[name]
	return c, ok
}

// LookupName returns the identity last seen with name, case-insensitively.
func (e *Economy) LookupName(name string) (account.Identity, bool) {
	e.namesMu.RLock()
	defer e.namesMu.RUnlock()
	id, ok := e.names[strings.ToLower(name)]
	return id, ok
}

func (e *Economy) rememberName(name string, id account.Identity) {
	if name == "" {
		return
	}
	key := strings.ToLower(name)

	e.namesMu.RLock()
	current, ok := e.names[key]
	e.namesMu.RUnlock()
	if ok && current == id {
		return
	}

	e.namesMu.Lock()
	e.names[key] = id
	e.namesMu.Unlock()
}

// rememberReplicatedName records names carried by updates from peers.
func (e *Economy) rememberReplicatedName(id account.Identity, name string) {
	e.rememberName(name, id)
}

func (e *Economy) submit(job writer.Job) {
	if err := e.writer.Submit(context.Background(), job); err != nil {
		e.logger.Desync("job not queued", job.Currency, job.Key, job.Kind, 0, err)
	}
}

// CurrencyStatus describes one served currency.
type CurrencyStatus struct {
	Name     string `json:"name"`
	Default  bool   `json:"default"`
	Banks    bool   `json:"banks"`
	State    string `json:"state"`
	Accounts int    `json:"accounts"`
}

// Status describes the economy for inspection.
type Status struct {
	ServerID   string           `json:"server_id"`
	Backend    string           `json:"backend"`
	Currencies []CurrencyStatus `json:"currencies"`
	Names      int              `json:"names"`
}

// Status returns a snapshot of the served currencies.
func (e *Economy) Status() Status {
	s := Status{
		ServerID: e.serverID,
		Backend:  e.backend.Name(),
	}
	for _, currency := range e.currencies {
		c := e.caches[currency.Name]
		s.Currencies = append(s.Currencies, CurrencyStatus{
			Name:     currency.Name,
			Default:  currency.Name == e.defaultName,
			Banks:    currency.BankSupport,
			State:    c.State().String(),
			Accounts: c.Len(),
		})
	}
	sort.Slice(s.Currencies, func(i, j int) bool { return s.Currencies[i].Name < s.Currencies[j].Name })

	e.namesMu.RLock()
	s.Names = len(e.names)
	e.namesMu.RUnlock()
	return s
}

// Close stops replication for every currency. The writer and backend are
// owned by the caller.
func (e *Economy) Close() error {
	var errs []error
	for _, c := range e.caches {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
