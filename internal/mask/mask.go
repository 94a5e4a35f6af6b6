// Package mask provides the one-way identifier transform used as the storage
// key for all persisted result records.
package mask

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identifier hashes a raw national identifier to its storage key. There is no
// inverse: lookups by raw identifier must mask the input first.
//
// Known weakness carried over from the wire contract with peer systems: the
// hash is unsalted over a numeric identifier space of limited size, so an
// offline attacker can precompute the full table. Changing this requires a
// coordinated change on both sides of the exchange.
func Identifier(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
