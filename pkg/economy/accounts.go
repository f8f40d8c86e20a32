package economy

import (
	"context"
	"fmt"
	"strconv"

	"coinsync/pkg/account"
	"coinsync/pkg/balance"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
)

func unknownCurrency() balance.Result {
	return balance.Failure(balance.ReasonUnknownCurrency, decimal.Zero)
}

// ValidateAmount rounds amount to the currency precision and reports
// whether the result is a usable positive amount.
func (e *Economy) ValidateAmount(currency string, amount decimal.Decimal) (decimal.Decimal, bool) {
	c, ok := e.Currency(currency)
	if !ok {
		return decimal.Zero, false
	}
	rounded := c.Round(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, false
	}
	return rounded, true
}

// ParseAmount parses user input such as "2.5k" and validates it for currency.
func (e *Economy) ParseAmount(currency, input string) (decimal.Decimal, bool) {
	parsed := account.ParseAmount(input)
	if !parsed.OK {
		return decimal.Zero, false
	}
	return e.ValidateAmount(currency, parsed.Value)
}

// Balance returns the local balance of id.
func (e *Economy) Balance(currency string, id account.Identity) (decimal.Decimal, bool) {
	c, ok := e.Cache(currency)
	if !ok {
		return decimal.Zero, false
	}
	return c.Balance(id)
}

// HasAccount reports whether id has a balance in currency.
func (e *Economy) HasAccount(currency string, id account.Identity) bool {
	c, ok := e.Cache(currency)
	return ok && c.HasAccount(id)
}

// CreateAccount opens id in currency with the starting balance.
func (e *Economy) CreateAccount(currency string, id account.Identity, name string) balance.Result {
	c, ok := e.Cache(currency)
	if !ok {
		return unknownCurrency()
	}
	r := c.Create(id, name)
	if r.OK() {
		e.rememberName(name, id)
	}
	return r
}

// Join opens id in every currency it has no account in yet and records its name.
func (e *Economy) Join(id account.Identity, name string) {
	e.rememberName(name, id)
	for _, currency := range e.currencies {
		c := e.caches[currency.Name]
		if c.HasAccount(id) {
			if name != "" && c.Name(id) != name {
				// refreshes the stored name without changing the balance
				c.Update(id, name, func(current decimal.Decimal) (decimal.Decimal, string) {
					return current, ""
				})
			}
			continue
		}
		c.Create(id, name)
	}
}

// Purge removes the account of id in currency.
func (e *Economy) Purge(currency string, id account.Identity) bool {
	c, ok := e.Cache(currency)
	return ok && c.Purge(id)
}

// SetBalance overwrites the balance of id.
func (e *Economy) SetBalance(currency string, id account.Identity, name string, amount decimal.Decimal) balance.Result {
	c, ok := e.Cache(currency)
	if !ok {
		return unknownCurrency()
	}
	amount = c.Currency().Round(amount)
	if amount.IsNegative() {
		current, _ := c.Balance(id)
		return balance.Failure(balance.ReasonInvalidAmount, current)
	}
	if c.Currency().Exceeds(amount) {
		current, _ := c.Balance(id)
		return balance.Failure(balance.ReasonExceedsMax, current)
	}
	c.SetBalance(id, name, amount)
	e.rememberName(name, id)
	return balance.Success(amount)
}

// Deposit credits id, opening the account with the starting balance first
// if it has none.
func (e *Economy) Deposit(currency string, id account.Identity, name string, amount decimal.Decimal) balance.Result {
	c, ok := e.Cache(currency)
	if !ok {
		return unknownCurrency()
	}
	r := c.Deposit(id, name, c.Currency().Round(amount))
	if r.OK() {
		e.rememberName(name, id)
	}
	return r
}

// Withdraw debits id, plus tax unless the currency only taxes payments.
func (e *Economy) Withdraw(currency string, id account.Identity, name string, amount decimal.Decimal) balance.Result {
	c, ok := e.Cache(currency)
	if !ok {
		return unknownCurrency()
	}
	r := c.Withdraw(id, name, c.Currency().Round(amount))
	if r.OK() {
		e.rememberName(name, id)
	}
	return r
}

// BulkImport writes many balances in one backend batch, without publishing,
// then applies them locally. It is the entry point for migrations; peers
// pick the values up on their next load.
func (e *Economy) BulkImport(ctx context.Context, currency string, entries []store.Entry, names map[string]account.Identity) error {
	c, ok := e.Cache(currency)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	if err := e.backend.BulkSetBalances(ctx, c.Currency().Name, entries, names); err != nil {
		return fmt.Errorf("economy: bulk import into %s: %w", c.Currency().Name, err)
	}

	byID := make(map[account.Identity]string, len(names))
	for name, id := range names {
		byID[id] = name
		e.rememberName(name, id)
	}
	for _, entry := range entries {
		c.Apply(entry.Identity, byID[entry.Identity], entry.Balance)
	}

	e.logger.Info("bulk import finished")
	return nil
}

// Top returns the leaderboard of currency from the backend. Concurrent
// calls with the same arguments share one query.
func (e *Economy) Top(ctx context.Context, currency string, limit int) ([]store.Entry, error) {
	c, ok := e.Currency(currency)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}

	key := c.Name + ":" + strconv.Itoa(limit)
	// shared with joined callers, so one caller's cancellation must not end it
	shared := context.WithoutCancel(ctx)
	v, err, _ := e.top.Do(key, func() (interface{}, error) {
		return e.backend.OrderedBalances(shared, c.Name, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("economy: top %s: %w", c.Name, err)
	}
	return v.([]store.Entry), nil
}

// MaxBalances returns the historical peak balance of every account.
func (e *Economy) MaxBalances(ctx context.Context, currency string) (map[account.Identity]decimal.Decimal, error) {
	c, ok := e.Currency(currency)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	m, err := e.backend.MaxBalances(ctx, c.Name)
	if err != nil {
		return nil, fmt.Errorf("economy: max balances of %s: %w", c.Name, err)
	}
	return m, nil
}
