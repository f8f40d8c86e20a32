package account

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidCurrency is returned when a currency definition is inconsistent.
var ErrInvalidCurrency = errors.New("account: invalid currency")

// Currency is a named unit of value. It is created at startup from
// configuration and not mutated afterwards.
type Currency struct {
	// Name is the unique currency name, also used in storage keys and channels
	Name string

	// Singular and Plural are the display symbols
	Singular string
	Plural   string

	// StartingBalance is credited to every newly created account
	StartingBalance decimal.Decimal

	// TaxRate is the fraction of an amount charged to the debited side
	TaxRate decimal.Decimal

	// TaxOnlyOnPay restricts taxation to player-to-player payments
	TaxOnlyOnPay bool

	// MaxBalance is the optional balance ceiling
	MaxBalance decimal.NullDecimal

	// BankSupport enables bank operations for this currency
	BankSupport bool

	// Decimals is the number of fractional digits kept by amounts and tax
	Decimals int32

	// Default marks the currency used when none is named
	Default bool
}

// Validate checks the currency definition.
func (c Currency) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCurrency)
	}
	for _, r := range c.Name {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: name %q contains %q", ErrInvalidCurrency, c.Name, r)
		}
	}
	if c.StartingBalance.IsNegative() {
		return fmt.Errorf("%w: %s: negative starting balance", ErrInvalidCurrency, c.Name)
	}
	if c.TaxRate.IsNegative() {
		return fmt.Errorf("%w: %s: negative tax rate", ErrInvalidCurrency, c.Name)
	}
	if c.Decimals < 0 {
		return fmt.Errorf("%w: %s: negative decimals", ErrInvalidCurrency, c.Name)
	}
	if c.MaxBalance.Valid {
		if c.MaxBalance.Decimal.IsNegative() {
			return fmt.Errorf("%w: %s: negative max balance", ErrInvalidCurrency, c.Name)
		}
		if c.StartingBalance.GreaterThan(c.MaxBalance.Decimal) {
			return fmt.Errorf("%w: %s: starting balance exceeds max balance", ErrInvalidCurrency, c.Name)
		}
	}
	return nil
}

// Round rounds amount to the currency precision.
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(c.Decimals)
}

// Tax returns the tax charged on amount, rounded to the currency precision.
func (c Currency) Tax(amount decimal.Decimal) decimal.Decimal {
	if c.TaxRate.IsZero() {
		return decimal.Zero
	}
	return c.Round(amount.Mul(c.TaxRate))
}

// WithdrawTax returns the tax charged on a plain withdrawal.
// It is zero when the currency only taxes payments.
func (c Currency) WithdrawTax(amount decimal.Decimal) decimal.Decimal {
	if c.TaxOnlyOnPay {
		return decimal.Zero
	}
	return c.Tax(amount)
}

// Exceeds reports whether balance is above the ceiling, if one is set.
func (c Currency) Exceeds(balance decimal.Decimal) bool {
	return c.MaxBalance.Valid && balance.GreaterThan(c.MaxBalance.Decimal)
}

// Format renders an amount with the singular or plural symbol.
func (c Currency) Format(amount decimal.Decimal) string {
	symbol := c.Plural
	if amount.Equal(decimal.NewFromInt(1)) {
		symbol = c.Singular
	}
	text := amount.StringFixed(c.Decimals)
	if symbol == "" {
		return text
	}
	return text + " " + symbol
}
