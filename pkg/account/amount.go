package account

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AmountParse is the outcome of parsing a user supplied amount.
// OK is false when the input is not a number.
type AmountParse struct {
	Value decimal.Decimal
	OK    bool
}

var suffixes = map[byte]decimal.Decimal{
	'k': decimal.New(1, 3),
	'm': decimal.New(1, 6),
	'b': decimal.New(1, 9),
	't': decimal.New(1, 12),
}

// ParseAmount parses decimal amounts with optional shorthand suffixes
// (k, m, b, t). "1.5k" is 1500. Surrounding whitespace is ignored.
func ParseAmount(s string) AmountParse {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return AmountParse{}
	}

	multiplier := decimal.NewFromInt(1)
	if m, ok := suffixes[s[len(s)-1]]; ok {
		multiplier = m
		s = s[:len(s)-1]
	}

	// Reject forms decimal accepts but users never mean (exponents, signs).
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' {
			return AmountParse{}
		}
	}
	if s == "" || s == "." || strings.Count(s, ".") > 1 {
		return AmountParse{}
	}

	value, err := decimal.NewFromString(s)
	if err != nil {
		return AmountParse{}
	}
	return AmountParse{Value: value.Mul(multiplier), OK: true}
}
