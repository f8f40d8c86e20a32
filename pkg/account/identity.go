package account

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// PlayerIDLength is the length of a canonical player id string.
// Any identity string of exactly this length is parsed as a player id.
const PlayerIDLength = 36

// ErrInvalidIdentity is returned when a string cannot be interpreted as an identity.
var ErrInvalidIdentity = errors.New("account: invalid identity")

type kind uint8

const (
	kindNone kind = iota
	kindPlayer
	kindNamed
)

// Identity is an immutable reference to a balance holder. It is either a
// player's UUID or a short string id used for banks and other non-player
// accounts. Identity is comparable and safe to use as a map key.
type Identity struct {
	kind   kind
	player uuid.UUID
	name   string
}

// Wildcard is the sentinel identity that, in a lock list, blocks every payer.
var Wildcard = Player(uuid.Nil)

// Player returns the identity of the player with the given id.
func Player(id uuid.UUID) Identity {
	return Identity{kind: kindPlayer, player: id}
}

// Named returns a non-player identity. The id must be non-empty, shorter than
// PlayerIDLength and must not contain separators used by the wire formats.
func Named(id string) (Identity, error) {
	if id == "" {
		return Identity{}, fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	if len(id) >= PlayerIDLength {
		return Identity{}, fmt.Errorf("%w: named id must be shorter than %d characters", ErrInvalidIdentity, PlayerIDLength)
	}
	for _, r := range id {
		if r == ';' || r == ',' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return Identity{}, fmt.Errorf("%w: named id contains %q", ErrInvalidIdentity, r)
		}
	}
	return Identity{kind: kindNamed, name: id}, nil
}

// Parse interprets s as an identity. Strings of exactly PlayerIDLength
// characters must be UUIDs; shorter strings are named ids.
func Parse(s string) (Identity, error) {
	if len(s) == PlayerIDLength {
		id, err := uuid.Parse(s)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		return Player(id), nil
	}
	if len(s) > PlayerIDLength {
		return Identity{}, fmt.Errorf("%w: %d characters", ErrInvalidIdentity, len(s))
	}
	return Named(strings.TrimSpace(s))
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsPlayer reports whether the identity refers to a player.
func (i Identity) IsPlayer() bool {
	return i.kind == kindPlayer
}

// IsZero reports whether the identity is the zero value.
func (i Identity) IsZero() bool {
	return i.kind == kindNone
}

// IsWildcard reports whether the identity is the lock wildcard.
func (i Identity) IsWildcard() bool {
	return i == Wildcard
}

// UUID returns the player id, or uuid.Nil for non-player identities.
func (i Identity) UUID() uuid.UUID {
	return i.player
}

// String returns the canonical string form used as storage member and wire field.
func (i Identity) String() string {
	switch i.kind {
	case kindPlayer:
		return i.player.String()
	case kindNamed:
		return i.name
	default:
		return ""
	}
}
