package economy

import (
	"context"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/balance"
	"coinsync/pkg/logging"
	"coinsync/pkg/writer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// bankLookupTimeout bounds the backend read made for a bank this process
// does not know yet.
const bankLookupTimeout = 2 * time.Second

// bankCache returns the cache of currency if it supports banks. The result
// is set when the caller must return it as is.
func (e *Economy) bankCache(currency string) (*balance.Cache, balance.Result, bool) {
	c, ok := e.Cache(currency)
	if !ok {
		return nil, unknownCurrency(), false
	}
	if !c.Currency().BankSupport {
		return nil, balance.NotImplemented(), false
	}
	return c, balance.Result{}, true
}

// CreateBank opens bank, owned by owner, with a zero balance. bank must be a
// non-player identity.
func (e *Economy) CreateBank(currency string, bank, owner account.Identity) balance.Result {
	c, r, ok := e.bankCache(currency)
	if !ok {
		return r
	}
	if bank.IsPlayer() || bank.IsZero() {
		return balance.Failure(balance.ReasonAccountNotFound, decimal.Zero)
	}

	name := c.Currency().Name
	e.banksMu.Lock()
	owners := e.banks[name]
	if _, exists := owners[bank]; exists || c.HasAccount(bank) {
		e.banksMu.Unlock()
		current, _ := c.Balance(bank)
		return balance.Failure(balance.ReasonAccountExists, current)
	}
	owners[bank] = owner
	e.banksMu.Unlock()

	e.submit(writer.Job{
		Kind:     KindBankOwner,
		Key:      bank.String(),
		Currency: name,
		Run: func(ctx context.Context) error {
			return e.backend.SetBankOwner(ctx, name, bank, owner)
		},
	})
	return c.CreateWith(bank, "", decimal.Zero)
}

// BankOwner returns the owner of bank.
func (e *Economy) BankOwner(currency string, bank account.Identity) (account.Identity, bool) {
	c, _, ok := e.bankCache(currency)
	if !ok || !e.isBank(c, bank) {
		return account.Identity{}, false
	}
	e.banksMu.RLock()
	defer e.banksMu.RUnlock()
	owner, ok := e.banks[c.Currency().Name][bank]
	return owner, ok
}

// Banks returns every bank of currency and its owner.
func (e *Economy) Banks(currency string) map[account.Identity]account.Identity {
	c, _, ok := e.bankCache(currency)
	if !ok {
		return nil
	}
	e.banksMu.RLock()
	defer e.banksMu.RUnlock()
	out := make(map[account.Identity]account.Identity, len(e.banks[c.Currency().Name]))
	for bank, owner := range e.banks[c.Currency().Name] {
		out[bank] = owner
	}
	return out
}

// isBank reports whether bank is a bank of c. Banks opened by peers reach
// the cache as replicated balances before their owner is known here; such
// an identity triggers a reload of the stored owners.
func (e *Economy) isBank(c *balance.Cache, bank account.Identity) bool {
	currency := c.Currency().Name
	e.banksMu.RLock()
	_, ok := e.banks[currency][bank]
	e.banksMu.RUnlock()
	if ok {
		return true
	}
	if bank.IsPlayer() || !c.HasAccount(bank) {
		return false
	}
	return e.refreshBanks(currency, bank)
}

func (e *Economy) refreshBanks(currency string, bank account.Identity) bool {
	ctx, cancel := context.WithTimeout(context.Background(), bankLookupTimeout)
	defer cancel()

	owners, err := e.backend.BankOwners(ctx, currency)
	if err != nil {
		e.logger.Warn("bank owners not refreshed", logging.Currency(currency), zap.Error(err))
		return false
	}

	e.banksMu.Lock()
	defer e.banksMu.Unlock()
	known := e.banks[currency]
	for b, owner := range owners {
		if _, ok := known[b]; !ok {
			known[b] = owner
		}
	}
	_, ok := known[bank]
	return ok
}

// BankBalance returns the balance of bank.
func (e *Economy) BankBalance(currency string, bank account.Identity) balance.Result {
	c, r, ok := e.bankCache(currency)
	if !ok {
		return r
	}
	current, ok := c.Balance(bank)
	if !ok || !e.isBank(c, bank) {
		return balance.Failure(balance.ReasonAccountNotFound, decimal.Zero)
	}
	return balance.Success(current)
}

// BankDeposit credits bank.
func (e *Economy) BankDeposit(currency string, bank account.Identity, amount decimal.Decimal) balance.Result {
	c, r, ok := e.bankCache(currency)
	if !ok {
		return r
	}
	if !e.isBank(c, bank) {
		return balance.Failure(balance.ReasonAccountNotFound, decimal.Zero)
	}
	return c.Credit(bank, "", c.Currency().Round(amount))
}

// BankWithdraw debits bank, plus the withdrawal tax.
func (e *Economy) BankWithdraw(currency string, bank account.Identity, amount decimal.Decimal) balance.Result {
	c, r, ok := e.bankCache(currency)
	if !ok {
		return r
	}
	if !e.isBank(c, bank) {
		return balance.Failure(balance.ReasonAccountNotFound, decimal.Zero)
	}
	return c.Withdraw(bank, "", c.Currency().Round(amount))
}
