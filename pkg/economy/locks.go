package economy

import (
	"context"
	"sort"

	"coinsync/pkg/account"
	"coinsync/pkg/writer"
)

// Lock suppresses payments from target to owner. Locking account.Wildcard
// blocks every payer.
func (e *Economy) Lock(owner, target account.Identity) {
	e.locksMu.Lock()
	set, ok := e.locks[owner]
	if !ok {
		set = make(map[account.Identity]struct{})
		e.locks[owner] = set
	}
	set[target] = struct{}{}
	locked := sortedIdentities(set)
	e.locksMu.Unlock()

	e.persistLocks(owner, locked)
}

// Unlock lifts a previous Lock. It reports whether target was locked.
func (e *Economy) Unlock(owner, target account.Identity) bool {
	e.locksMu.Lock()
	set, ok := e.locks[owner]
	if !ok {
		e.locksMu.Unlock()
		return false
	}
	if _, ok := set[target]; !ok {
		e.locksMu.Unlock()
		return false
	}
	delete(set, target)
	if len(set) == 0 {
		delete(e.locks, owner)
	}
	locked := sortedIdentities(set)
	e.locksMu.Unlock()

	e.persistLocks(owner, locked)
	return true
}

// IsLocked reports whether receiver refuses payments from payer.
func (e *Economy) IsLocked(receiver, payer account.Identity) bool {
	e.locksMu.RLock()
	defer e.locksMu.RUnlock()

	set, ok := e.locks[receiver]
	if !ok {
		return false
	}
	if _, ok := set[account.Wildcard]; ok {
		return true
	}
	_, ok = set[payer]
	return ok
}

// Locked returns the identities owner refuses payments from.
func (e *Economy) Locked(owner account.Identity) []account.Identity {
	e.locksMu.RLock()
	defer e.locksMu.RUnlock()
	return sortedIdentities(e.locks[owner])
}

func (e *Economy) persistLocks(owner account.Identity, locked []account.Identity) {
	e.submit(writer.Job{
		Kind: KindLocks,
		Key:  owner.String(),
		Run: func(ctx context.Context) error {
			return e.backend.SetLockRelation(ctx, owner, locked)
		},
	})
}

func sortedIdentities(set map[account.Identity]struct{}) []account.Identity {
	out := make([]account.Identity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
