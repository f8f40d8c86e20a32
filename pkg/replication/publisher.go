package replication

import (
	"context"

	"coinsync/pkg/account"
	"coinsync/pkg/bus"
	"coinsync/pkg/store"

	"github.com/shopspring/decimal"
)

// Publisher broadcasts local writes under this process's server id.
type Publisher struct {
	bus    bus.Bus
	origin string
	schema store.Schema
}

// NewPublisher creates a publisher. origin is this process's server id.
func NewPublisher(b bus.Bus, origin string, schema store.Schema) *Publisher {
	return &Publisher{bus: b, origin: origin, schema: schema}
}

// Origin returns the server id stamped on every update.
func (p *Publisher) Origin() string {
	return p.origin
}

// Publish sends one update on the currency's channel.
func (p *Publisher) Publish(ctx context.Context, currency string, id account.Identity, name string, balance decimal.Decimal) error {
	update := Update{
		Origin:   p.origin,
		Identity: id,
		Name:     name,
		Balance:  balance,
	}
	return p.bus.Publish(ctx, p.schema.UpdateChannel(currency), update.Encode())
}
