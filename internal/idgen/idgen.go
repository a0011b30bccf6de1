// Package idgen generates opaque identifiers for ledger entries,
// consumptions and request IDs.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "use_3f9c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is a UUID as produced by New.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
