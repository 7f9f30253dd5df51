package token

import (
	"errors"
	"testing"
	"time"
)

func TestStore_IssueConsume(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStore(func() time.Time { return now })

	tok, expiresAt, err := s.Issue("203.0.113.7", CallTTL, KindCall)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := now.Add(CallTTL); !expiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", expiresAt, want)
	}

	rec, err := s.Consume(tok)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if rec.IP != "203.0.113.7" || rec.Kind != KindCall {
		t.Fatalf("unexpected record %+v", rec)
	}

	// Re-use within TTL is permitted.
	if _, err := s.Consume(tok); err != nil {
		t.Fatalf("second Consume: %v", err)
	}
}

func TestStore_Unknown(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.Consume("never-issued"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestStore_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStore(func() time.Time { return now })

	tok, _, err := s.Issue("203.0.113.7", DiagnosticTTL, KindDiagnostic)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(DiagnosticTTL + time.Second)
	if _, err := s.Consume(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestStore_Sweep(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStore(func() time.Time { return now })

	expired, _, _ := s.Issue("a", 10*time.Second, KindCall)
	live, _, _ := s.Issue("b", 10*time.Minute, KindCall)

	now = now.Add(time.Minute)
	s.Sweep()

	if s.Len() != 1 {
		t.Fatalf("expected 1 record after sweep, got %d", s.Len())
	}
	if _, err := s.Consume(expired); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected swept token to be unknown, got %v", err)
	}
	if _, err := s.Consume(live); err != nil {
		t.Fatalf("live token should survive sweep: %v", err)
	}
}

func TestStore_TokensAreOpaqueAndUnique(t *testing.T) {
	s := NewStore(nil)
	a, _, _ := s.Issue("ip", CallTTL, KindCall)
	b, _, _ := s.Issue("ip", CallTTL, KindCall)
	if a == b {
		t.Fatalf("two issued tokens collided")
	}
	if len(a) < 20 {
		t.Fatalf("token %q too short for 128 bits", a)
	}
}
