// Package replication carries balance updates between processes sharing a
// currency. Updates are published on the currency's update channel as
//
//	origin;;identity;;name;;balance
//
// and applied by every listener except the one whose server id equals origin.
package replication

import (
	"errors"
	"fmt"
	"strings"

	"coinsync/pkg/account"

	"github.com/shopspring/decimal"
)

// Separator joins the fields of an update.
const Separator = ";;"

const fieldCount = 4

// ErrMalformed is returned by Decode for payloads that violate the format.
var ErrMalformed = errors.New("replication: malformed message")

// Update is one replicated balance change.
type Update struct {
	Origin   string
	Identity account.Identity
	Name     string
	Balance  decimal.Decimal
}

// Encode returns the wire form of u. Semicolons are dropped from the name:
// one next to a field boundary would shift the separator.
func (u Update) Encode() string {
	return strings.Join([]string{
		u.Origin,
		u.Identity.String(),
		strings.ReplaceAll(u.Name, ";", ""),
		u.Balance.String(),
	}, Separator)
}

// Decode parses a wire payload.
func Decode(payload string) (Update, error) {
	fields := strings.Split(payload, Separator)
	if len(fields) != fieldCount {
		return Update{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(fields), fieldCount)
	}
	if fields[0] == "" {
		return Update{}, fmt.Errorf("%w: empty origin", ErrMalformed)
	}

	id, err := account.Parse(fields[1])
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	balance, err := decimal.NewFromString(fields[3])
	if err != nil {
		return Update{}, fmt.Errorf("%w: balance %q", ErrMalformed, fields[3])
	}

	return Update{
		Origin:   fields[0],
		Identity: id,
		Name:     fields[2],
		Balance:  balance,
	}, nil
}
