package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
)

// Transaction is one ledger entry of an account. Everything but the revert
// reference is immutable once recorded.
type Transaction struct {
	// ID and Owner locate the entry; they are not part of the record
	ID    int64            `json:"id"`
	Owner account.Identity `json:"-"`

	Sender    account.Identity `json:"-"`
	Receiver  account.Identity `json:"-"`
	Timestamp time.Time        `json:"timestamp"`

	// Amount is negative on the debited side
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Reason   string          `json:"reason"`

	Reverted     bool  `json:"reverted"`
	RevertedWith int64 `json:"reverted_with,omitempty"`
}

// Encode returns the record form. Separators in the reason are replaced
// with commas.
func (t Transaction) Encode() string {
	fields := []string{
		t.Sender.String(),
		strconv.FormatInt(t.Timestamp.UnixMilli(), 10),
		t.Receiver.String(),
		t.Amount.String(),
		t.Currency,
		strings.ReplaceAll(t.Reason, store.RecordSeparator, ","),
	}
	if t.Reverted {
		fields = append(fields, strconv.FormatInt(t.RevertedWith, 10))
	}
	return strings.Join(fields, store.RecordSeparator)
}

// Decode parses a record stored under owner and id.
func Decode(owner account.Identity, id int64, record string) (Transaction, error) {
	ref, reverted, err := store.RevertRef(record)
	if err != nil {
		return Transaction{}, err
	}
	fields := strings.Split(record, store.RecordSeparator)

	sender, err := account.Parse(fields[0])
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: sender: %v", store.ErrInvalidRecord, err)
	}
	millis, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: timestamp %q", store.ErrInvalidRecord, fields[1])
	}
	receiver, err := account.Parse(fields[2])
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: receiver: %v", store.ErrInvalidRecord, err)
	}
	amount, err := decimal.NewFromString(fields[3])
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: amount %q", store.ErrInvalidRecord, fields[3])
	}

	return Transaction{
		ID:           id,
		Owner:        owner,
		Sender:       sender,
		Receiver:     receiver,
		Timestamp:    time.UnixMilli(millis),
		Amount:       amount,
		Currency:     fields[4],
		Reason:       fields[5],
		Reverted:     reverted,
		RevertedWith: ref,
	}, nil
}

// Counterparty returns the other side of the transfer as seen by the owner.
func (t Transaction) Counterparty() account.Identity {
	if t.Sender == t.Owner {
		return t.Receiver
	}
	return t.Sender
}
