// Package idgen generates short random identifiers used to correlate the
// log lines of one poll cycle.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// CyclePrefix is prepended to every cycle ID.
const CyclePrefix = "cyc-"

// Alphabet is the character set of the random portion.
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters (excluding the prefix).
const Length = 12

// CycleID returns a new cycle ID. It never fails: if the random source is
// unavailable the ID degrades to the bare prefix plus "unknown".
func CycleID() string {
	id, err := GenerateWithPrefix(CyclePrefix)
	if err != nil {
		return CyclePrefix + "unknown"
	}
	return id
}

// GenerateWithPrefix returns a new random ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
