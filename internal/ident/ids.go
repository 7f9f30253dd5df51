package ident

import (
	"crypto/rand"
	"encoding/hex"
)

// Session and client IDs carry 64 bits of randomness. Collisions are treated
// as impossible within a single process's uptime; nothing persists them.

// NewSessionID returns a fresh session identifier ("S-" + 16 hex chars).
func NewSessionID() string {
	return newID("S-")
}

// NewClientID returns a fresh per-room participant identifier ("C-" + 16 hex
// chars).
func NewClientID() string {
	return newID("C-")
}

func newID(prefix string) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in no state to serve.
		panic(err)
	}
	return prefix + hex.EncodeToString(b[:])
}
