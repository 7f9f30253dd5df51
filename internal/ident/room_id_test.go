package ident

import (
	"errors"
	"strings"
	"testing"
)

func TestRoomID_RoundTrip(t *testing.T) {
	ids := NewRoomIDs("test-secret", "test")

	roomID, err := ids.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(roomID) != RoomIDLength {
		t.Fatalf("expected %d chars, got %d (%q)", RoomIDLength, len(roomID), roomID)
	}
	if err := ids.Validate(roomID); err != nil {
		t.Fatalf("Validate rejected a freshly minted id: %v", err)
	}
}

func TestRoomID_SecretMissing(t *testing.T) {
	ids := NewRoomIDs("", "test")

	if _, err := ids.Generate(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	// A structurally plausible id still fails closed without a secret.
	err := ids.Validate(strings.Repeat("A", RoomIDLength))
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRoomID_RejectsMalformed(t *testing.T) {
	ids := NewRoomIDs("test-secret", "test")

	for _, id := range []string{
		"",
		"short",
		strings.Repeat("A", RoomIDLength-1),
		strings.Repeat("A", RoomIDLength+1),
		strings.Repeat("!", RoomIDLength), // not base64url
	} {
		if err := ids.Validate(id); !errors.Is(err, ErrInvalidRoomID) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidRoomID", id, err)
		}
	}
}

func TestRoomID_SingleCharMutationFails(t *testing.T) {
	ids := NewRoomIDs("test-secret", "test")

	roomID, err := ids.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	for i := 0; i < len(roomID); i++ {
		for _, c := range []byte(alphabet) {
			if roomID[i] == c {
				continue
			}
			mutated := roomID[:i] + string(c) + roomID[i+1:]
			if err := ids.Validate(mutated); err == nil {
				t.Fatalf("mutation at %d (%q) unexpectedly validated", i, mutated)
			}
		}
	}
}

func TestRoomID_ContextBinding(t *testing.T) {
	prod := NewRoomIDs("test-secret", "prod")
	staging := NewRoomIDs("test-secret", "staging")

	roomID, err := prod.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := staging.Validate(roomID); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected cross-env validation to fail, got %v", err)
	}
}

func TestRoomID_SecretBinding(t *testing.T) {
	a := NewRoomIDs("secret-a", "test")
	b := NewRoomIDs("secret-b", "test")

	roomID, err := a.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := b.Validate(roomID); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected cross-secret validation to fail, got %v", err)
	}
}

func TestNewSessionID_Shape(t *testing.T) {
	sid := NewSessionID()
	if !strings.HasPrefix(sid, "S-") || len(sid) != 2+16 {
		t.Fatalf("unexpected session id %q", sid)
	}
	cid := NewClientID()
	if !strings.HasPrefix(cid, "C-") || len(cid) != 2+16 {
		t.Fatalf("unexpected client id %q", cid)
	}
	if NewSessionID() == NewSessionID() {
		t.Fatalf("two session ids collided")
	}
}
