// Package idgen generates session identifiers, per spec.md §4.7: an opaque
// 128-bit value rendered as uppercase hexadecimal (<= 32 chars), unique
// within the lifetime of a mux process.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Generator produces session ids. It is an interface, following the
// teacher's preference for small interfaces at integration points (see
// internal/guacamole.SessionRegistry's constructor-injected dependencies),
// so a deterministic sequence can be substituted in tests (spec.md §4.7:
// "a seedable PRNG is tolerated for testing").
type Generator interface {
	New() string
}

// uuidGenerator produces ids from google/uuid's version-4 (random) UUIDs,
// rendered without dashes in uppercase hex. This spends 6 of the 128 bits
// on the UUID version/variant fields rather than being fully random, a
// tradeoff accepted over hand-rolling a
// crypto/rand-backed generator, since uuid is already the pack's idiomatic
// choice for identifiers (the teacher's internal/sessions.Manager mints a
// google/uuid value for every new session id).
type uuidGenerator struct{}

// New returns the default Generator.
func New() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) New() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}
