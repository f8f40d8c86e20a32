// Package messages holds the editable user-facing message templates.
// Templates are addressed by an enumerated Key; the only way to edit one by
// name is through the explicit name table below.
package messages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"coinsync/pkg/balance"
)

// ErrUnknownKey is returned by Set for names outside the table.
var ErrUnknownKey = errors.New("messages: unknown key")

// Key identifies a template.
type Key int

const (
	KeyBalance Key = iota
	KeyPaid
	KeyReceived
	KeyDeposited
	KeyWithdrawn
	KeyInsufficientFunds
	KeyAccountNotFound
	KeyExceedsMax
	KeyInvalidAmount
	KeyPaymentLocked
	KeyUnknownCurrency
	KeySelfPayment
	KeyAccountExists
	KeyNotImplemented
	KeyReverted
	KeyAlreadyReverted
	keyCount
)

var keyNames = [keyCount]string{
	KeyBalance:           "balance",
	KeyPaid:              "paid",
	KeyReceived:          "received",
	KeyDeposited:         "deposited",
	KeyWithdrawn:         "withdrawn",
	KeyInsufficientFunds: "insufficient_funds",
	KeyAccountNotFound:   "account_not_found",
	KeyExceedsMax:        "exceeds_max",
	KeyInvalidAmount:     "invalid_amount",
	KeyPaymentLocked:     "payment_locked",
	KeyUnknownCurrency:   "unknown_currency",
	KeySelfPayment:       "self_payment",
	KeyAccountExists:     "account_exists",
	KeyNotImplemented:    "not_implemented",
	KeyReverted:          "reverted",
	KeyAlreadyReverted:   "already_reverted",
}

var defaults = [keyCount]string{
	KeyBalance:           "Balance: {amount}",
	KeyPaid:              "You paid {amount} to {player}.",
	KeyReceived:          "You received {amount} from {player}.",
	KeyDeposited:         "Deposited {amount}.",
	KeyWithdrawn:         "Withdrew {amount}.",
	KeyInsufficientFunds: "Insufficient funds.",
	KeyAccountNotFound:   "Account not found.",
	KeyExceedsMax:        "That would exceed the maximum balance.",
	KeyInvalidAmount:     "Invalid amount.",
	KeyPaymentLocked:     "{player} is not accepting payments from you.",
	KeyUnknownCurrency:   "Unknown currency {currency}.",
	KeySelfPayment:       "You cannot pay yourself.",
	KeyAccountExists:     "Account already exists.",
	KeyNotImplemented:    "Banks are not supported for {currency}.",
	KeyReverted:          "Transaction #{id} reverted.",
	KeyAlreadyReverted:   "Transaction #{id} was already reverted.",
}

var byName = func() map[string]Key {
	m := make(map[string]Key, keyCount)
	for k, name := range keyNames {
		m[name] = Key(k)
	}
	return m
}()

var byReason = map[string]Key{
	balance.ReasonAccountNotFound:   KeyAccountNotFound,
	balance.ReasonInsufficientFunds: KeyInsufficientFunds,
	balance.ReasonExceedsMax:        KeyExceedsMax,
	balance.ReasonInvalidAmount:     KeyInvalidAmount,
	balance.ReasonPaymentLocked:     KeyPaymentLocked,
	balance.ReasonUnknownCurrency:   KeyUnknownCurrency,
	balance.ReasonSelfPayment:       KeySelfPayment,
	balance.ReasonAccountExists:     KeyAccountExists,
}

// String returns the name used by Set.
func (k Key) String() string {
	if k < 0 || k >= keyCount {
		return fmt.Sprintf("Key(%d)", int(k))
	}
	return keyNames[k]
}

// Lookup returns the key for name.
func Lookup(name string) (Key, bool) {
	k, ok := byName[strings.ToLower(name)]
	return k, ok
}

// ForReason returns the template for a failure reason.
func ForReason(reason string) (Key, bool) {
	k, ok := byReason[reason]
	return k, ok
}

// Names returns every settable name, sorted.
func Names() []string {
	names := keyNames[:]
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// Catalog is a concurrency-safe set of templates.
type Catalog struct {
	mu     sync.RWMutex
	values [keyCount]string
}

// NewCatalog returns a catalog holding the default templates.
func NewCatalog() *Catalog {
	return &Catalog{values: defaults}
}

// Get returns the template of k.
func (c *Catalog) Get(k Key) string {
	if k < 0 || k >= keyCount {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[k]
}

// Set replaces the template called name.
func (c *Catalog) Set(name, value string) error {
	k, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	c.mu.Lock()
	c.values[k] = value
	c.mu.Unlock()
	return nil
}

// Load applies every entry of overrides. Unknown names are reported together
// and do not prevent the known ones from being applied.
func (c *Catalog) Load(overrides map[string]string) error {
	var errs []error
	for name, value := range overrides {
		if err := c.Set(name, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset restores the default of k.
func (c *Catalog) Reset(k Key) {
	if k < 0 || k >= keyCount {
		return
	}
	c.mu.Lock()
	c.values[k] = defaults[k]
	c.mu.Unlock()
}

// Render fills {placeholder}s of k's template from args.
func (c *Catalog) Render(k Key, args map[string]string) string {
	text := c.Get(k)
	if len(args) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(args))
	for name, value := range args {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
