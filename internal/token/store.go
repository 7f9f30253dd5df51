package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

// Kind labels what a relay token was issued for.
type Kind string

const (
	// KindCall tokens are minted on room join and gate TURN access for the
	// call's lifetime.
	KindCall Kind = "call"
	// KindDiagnostic tokens are short-lived mints for the device-check page.
	KindDiagnostic Kind = "diagnostic"
)

const (
	// CallTTL is the lifetime of call-kind tokens.
	CallTTL = 5 * time.Minute
	// DiagnosticTTL is the lifetime of diagnostic-kind tokens.
	DiagnosticTTL = 5 * time.Second
	// SweepInterval is the cadence for evicting expired records.
	SweepInterval = 30 * time.Second

	tokenBytes = 16
)

var (
	// ErrUnknown is returned for tokens the store never issued (or already
	// swept).
	ErrUnknown = errors.New("unknown token")
	// ErrExpired is returned for tokens past their TTL.
	ErrExpired = errors.New("token expired")
)

// Record holds the issuance facts for one token.
type Record struct {
	IP        string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store is a time-bounded mapping from opaque token to issuance record.
// Expiry is authoritative; tokens may be consumed repeatedly within TTL.
type Store struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// NewStore builds a store. now may be nil to use the wall clock.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:     now,
		records: make(map[string]Record),
	}
}

// Issue mints a fresh opaque token bound to the given IP.
func (s *Store) Issue(ip string, ttl time.Duration, kind Kind) (string, time.Time, error) {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", time.Time{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(b[:])

	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl)

	s.mu.Lock()
	s.records[token] = Record{
		IP:        ip,
		Kind:      kind,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	s.mu.Unlock()

	return token, expiresAt, nil
}

// Consume looks up a token and checks expiry. The record stays in the store
// until swept, so re-fetching credentials within TTL works.
func (s *Store) Consume(token string) (Record, error) {
	s.mu.Lock()
	rec, ok := s.records[token]
	s.mu.Unlock()

	if !ok {
		return Record{}, ErrUnknown
	}
	if s.now().After(rec.ExpiresAt) {
		return Record{}, ErrExpired
	}
	return rec, nil
}

// Sweep removes expired records.
func (s *Store) Sweep() {
	now := s.now()

	s.mu.Lock()
	for token, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, token)
		}
	}
	s.mu.Unlock()
}

// Len reports the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
