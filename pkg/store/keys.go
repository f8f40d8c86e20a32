package store

import (
	"coinsync/pkg/account"
)

// Schema builds the key and channel names used by shared remote stores.
// A non-empty Prefix namespaces every key, which lets several economies or
// test runs share one server.
//
//	balances_<currency>      sorted set, member=identity, score=balance
//	banks_<currency>         sorted set for non-player identities
//	bankowners_<currency>    hash, field=bank, value=owner identity
//	maxbalances_<currency>   sorted set of historical peaks
//	player_names             hash, field=name, value=identity
//	locked_accounts          hash, field=identity, value=comma-joined identities
//	transactions:<account>   hash, field=sequence number, value=record
//	update_<currency>        pub/sub channel for replication messages
type Schema struct {
	Prefix string
}

// DefaultSchema is the unprefixed schema.
var DefaultSchema = Schema{}

func (s Schema) build(parts ...string) string {
	key := s.Prefix
	for _, part := range parts {
		key += part
	}
	return key
}

// Balances returns the sorted set key for identity's kind in currency.
func (s Schema) Balances(currency string, id account.Identity) string {
	if id.IsPlayer() {
		return s.PlayerBalances(currency)
	}
	return s.BankBalances(currency)
}

// PlayerBalances returns the player balance sorted set key.
func (s Schema) PlayerBalances(currency string) string {
	return s.build("balances_", currency)
}

// BankBalances returns the bank balance sorted set key.
func (s Schema) BankBalances(currency string) string {
	return s.build("banks_", currency)
}

// BankOwners returns the bank owner hash key.
func (s Schema) BankOwners(currency string) string {
	return s.build("bankowners_", currency)
}

// MaxBalances returns the historical peak sorted set key.
func (s Schema) MaxBalances(currency string) string {
	return s.build("maxbalances_", currency)
}

// NameIndex returns the name -> identity hash key.
func (s Schema) NameIndex() string {
	return s.build("player_names")
}

// LockRelations returns the lock list hash key.
func (s Schema) LockRelations() string {
	return s.build("locked_accounts")
}

// Transactions returns the ledger hash key of an account.
func (s Schema) Transactions(owner account.Identity) string {
	return s.build("transactions:", owner.String())
}

// UpdateChannel returns the replication channel of a currency.
func (s Schema) UpdateChannel(currency string) string {
	return s.build("update_", currency)
}
