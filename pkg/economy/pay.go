package economy

import (
	"context"
	"fmt"

	"coinsync/pkg/account"
	"coinsync/pkg/balance"
	"coinsync/pkg/ledger"
	"coinsync/pkg/writer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Payment is a transfer between two accounts of one currency.
type Payment struct {
	Currency string
	From     account.Identity
	FromName string
	To       account.Identity
	ToName   string
	Amount   decimal.Decimal
	Reason   string
}

// Pay moves Amount from the sender to the receiver and charges the sender
// the currency's tax on top. The sender is debited first; if the receiver
// cannot be credited the sender is refunded. Both ledger entries are
// recorded asynchronously. The result carries the sender's new balance.
func (e *Economy) Pay(p Payment) balance.Result {
	c, ok := e.Cache(p.Currency)
	if !ok {
		return unknownCurrency()
	}
	currency := c.Currency()

	senderBalance, _ := c.Balance(p.From)
	amount, ok := e.ValidateAmount(currency.Name, p.Amount)
	if !ok {
		return balance.Failure(balance.ReasonInvalidAmount, senderBalance)
	}
	if p.From == p.To {
		return balance.Failure(balance.ReasonSelfPayment, senderBalance)
	}
	if e.IsLocked(p.To, p.From) {
		return balance.Failure(balance.ReasonPaymentLocked, senderBalance)
	}
	if !c.HasAccount(p.To) {
		return balance.Failure(balance.ReasonAccountNotFound, senderBalance)
	}

	tax := currency.Tax(amount)
	debit := c.Debit(p.From, p.FromName, amount, tax)
	if !debit.OK() {
		return debit
	}

	if credit := c.Credit(p.To, p.ToName, amount); !credit.OK() {
		refund := c.Adjust(p.From, amount.Add(tax))
		return balance.Failure(credit.Reason, refund.Balance)
	}

	e.rememberName(p.FromName, p.From)
	e.rememberName(p.ToName, p.To)

	e.recordLater(currency.Name, p.From, p.To, amount.Neg(), p.Reason)
	e.recordLater(currency.Name, p.To, p.From, amount, p.Reason)

	return debit
}

// recordLater queues a ledger append for owner. Appends are not idempotent
// and run once.
func (e *Economy) recordLater(currency string, owner, counterparty account.Identity, amount decimal.Decimal, reason string) {
	e.submit(writer.Job{
		Kind:     KindLedger,
		Key:      owner.String(),
		Currency: currency,
		NoRetry:  true,
		Run: func(ctx context.Context) error {
			_, err := e.ledger.Record(ctx, owner, counterparty, amount, currency, reason)
			return err
		},
	})
}

// Record appends a ledger entry for owner synchronously.
func (e *Economy) Record(ctx context.Context, currency string, owner, counterparty account.Identity, amount decimal.Decimal, reason string) (int64, error) {
	c, ok := e.Currency(currency)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	return e.ledger.Record(ctx, owner, counterparty, amount, c.Name, reason)
}

// RevertResult is the outcome of Revert.
type RevertResult struct {
	// ID of the opposite transaction
	ID int64 `json:"id"`

	// Created is false when the transaction had already been reverted and
	// no money moved
	Created bool `json:"created"`

	// Balance is the owner's balance after the revert
	Balance balance.Result `json:"balance"`
}

// Revert cancels transaction id of owner in the ledger and, only when this
// call created the opposite entry, moves the opposite amount on the owner's
// balance. Repeated or concurrent calls move money once.
func (e *Economy) Revert(ctx context.Context, owner account.Identity, id int64) (RevertResult, error) {
	original, err := e.ledger.Get(ctx, owner, id)
	if err != nil {
		return RevertResult{}, err
	}
	c, ok := e.Cache(original.Currency)
	if !ok {
		return RevertResult{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, original.Currency)
	}

	outcome, err := e.ledger.Revert(ctx, owner, id)
	if err != nil {
		return RevertResult{}, err
	}

	result := RevertResult{ID: outcome.ID, Created: outcome.Created}
	if !outcome.Created {
		current, _ := c.Balance(owner)
		result.Balance = balance.Success(current)
		return result, nil
	}

	result.Balance = c.Adjust(owner, original.Amount.Neg())
	if !result.Balance.OK() {
		e.logger.Warn("revert recorded but balance not adjusted",
			zap.String("owner", owner.String()),
			zap.Int64("id", id),
			zap.String("reason", result.Balance.Reason),
		)
	}
	return result, nil
}

// Transactions returns owner's history matching f.
func (e *Economy) Transactions(ctx context.Context, owner account.Identity, limit int, f ledger.Filter) ([]ledger.Transaction, error) {
	txs, err := e.ledger.Between(ctx, owner, f)
	if err != nil {
		return nil, err
	}
	// newest first
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}
