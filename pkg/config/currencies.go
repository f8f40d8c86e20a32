package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"coinsync/pkg/account"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// CurrencyFile is the YAML document holding currency definitions:
//
//	currencies:
//	  - name: gold
//	    singular: coin
//	    plural: coins
//	    starting_balance: "100"
//	    tax_rate: "0.05"
//	    max_balance: "1000000"
//	    bank: true
//	    decimals: 2
//	    default: true
//	messages:
//	  paid: "You sent {amount} to {player}."
type CurrencyFile struct {
	Currencies []CurrencyDefinition `yaml:"currencies"`
	Messages   map[string]string    `yaml:"messages"`
}

// CurrencyDefinition is one entry of the currencies list. Amounts are
// strings so they are read exactly.
type CurrencyDefinition struct {
	Name            string `yaml:"name"`
	Singular        string `yaml:"singular"`
	Plural          string `yaml:"plural"`
	StartingBalance string `yaml:"starting_balance"`
	TaxRate         string `yaml:"tax_rate"`
	TaxOnlyOnPay    bool   `yaml:"tax_only_on_pay"`
	MaxBalance      string `yaml:"max_balance"`
	Bank            bool   `yaml:"bank"`
	Decimals        *int32 `yaml:"decimals"`
	Default         bool   `yaml:"default"`
}

// LoadCurrencyFile reads and converts the file at path.
func LoadCurrencyFile(path string) ([]account.Currency, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read currencies: %w", err)
	}
	return ParseCurrencies(data)
}

// ParseCurrencies converts a YAML document into currencies and validates them.
func ParseCurrencies(data []byte) ([]account.Currency, map[string]string, error) {
	var file CurrencyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse currencies: %w", err)
	}
	if len(file.Currencies) == 0 {
		return nil, nil, fmt.Errorf("%w: no currencies defined", ErrInvalidConfig)
	}

	currencies := make([]account.Currency, 0, len(file.Currencies))
	seen := make(map[string]struct{}, len(file.Currencies))
	defaults := 0
	for i, def := range file.Currencies {
		c, err := def.toCurrency()
		if err != nil {
			return nil, nil, fmt.Errorf("currency %d: %w", i, err)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate currency %q", ErrInvalidConfig, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Default {
			defaults++
		}
		currencies = append(currencies, c)
	}

	if len(currencies) == 1 {
		currencies[0].Default = true
	} else if defaults != 1 {
		return nil, nil, fmt.Errorf("%w: exactly one default currency required, got %d", ErrInvalidConfig, defaults)
	}
	return currencies, file.Messages, nil
}

func parseAmount(field, value string, fallback decimal.Decimal) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", ErrInvalidConfig, field, value)
	}
	return d, nil
}

func (def CurrencyDefinition) toCurrency() (account.Currency, error) {
	c := account.Currency{
		Name:         strings.TrimSpace(def.Name),
		Singular:     def.Singular,
		Plural:       def.Plural,
		TaxOnlyOnPay: def.TaxOnlyOnPay,
		BankSupport:  def.Bank,
		Decimals:     2,
		Default:      def.Default,
	}
	if def.Decimals != nil {
		c.Decimals = *def.Decimals
	}
	if c.Plural == "" {
		c.Plural = c.Singular
	}

	var err error
	if c.StartingBalance, err = parseAmount("starting_balance", def.StartingBalance, decimal.Zero); err != nil {
		return c, err
	}
	if c.TaxRate, err = parseAmount("tax_rate", def.TaxRate, decimal.Zero); err != nil {
		return c, err
	}
	if strings.TrimSpace(def.MaxBalance) != "" {
		ceiling, err := parseAmount("max_balance", def.MaxBalance, decimal.Zero)
		if err != nil {
			return c, err
		}
		c.MaxBalance = decimal.NewNullDecimal(ceiling)
	}

	if c.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return c, fmt.Errorf("%w: %s: tax rate above 1", ErrInvalidConfig, c.Name)
	}
	if err := c.Validate(); err != nil {
		return c, errors.Join(ErrInvalidConfig, err)
	}
	return c, nil
}
