// Package roomcode generates short human-enterable room codes.
package roomcode

import (
	"crypto/rand"
	"fmt"
)

// Alphabet excludes I, O, 0 and 1 — the characters people misread when a
// code is shouted across a gym floor.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length of a room code. 32^6 ≈ 1.07e9 possible codes; collisions are
// rare but possible, so creation still checks for an existing room.
const Length = 6

// New returns a fresh random code.
func New() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}

// Valid reports whether s has the shape of a room code.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		found := false
		for _, a := range Alphabet {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
