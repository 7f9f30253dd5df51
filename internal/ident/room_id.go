package ident

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	roomIDVersion     = "v1"
	roomIDEntity      = "room"
	roomIDRandomBytes = 12
	roomIDTagBytes    = 8
	roomIDTotalBytes  = roomIDRandomBytes + roomIDTagBytes

	// RoomIDLength is the length of an encoded room ID: 20 raw bytes in
	// unpadded base64url.
	RoomIDLength = 27
)

var (
	// ErrNotConfigured is returned when no signing secret is configured.
	ErrNotConfigured = errors.New("room id secret not configured")

	// ErrInvalidRoomID is returned for any room ID that fails structural or
	// MAC validation.
	ErrInvalidRoomID = errors.New("invalid room id")
)

// RoomIDs mints and validates self-authenticating room identifiers.
//
// A room ID encodes a 12-byte random nonce followed by an 8-byte truncated
// HMAC-SHA-256 tag over the nonce. The MAC is additionally bound to a context
// string ("id:v1|<env>|room") so tokens minted by one deployment cannot be
// replayed against another. Any string that verifies is a valid room handle;
// the server never stores minted IDs.
type RoomIDs struct {
	secret []byte
	ctx    []byte
}

// NewRoomIDs builds a codec for the given secret and environment name. An
// empty env defaults to "dev". The secret may be empty, in which case Generate
// and Validate fail with ErrNotConfigured.
func NewRoomIDs(secret, env string) *RoomIDs {
	if env == "" {
		env = "dev"
	}
	return &RoomIDs{
		secret: []byte(secret),
		ctx:    []byte(fmt.Sprintf("id:%s|%s|%s", roomIDVersion, env, roomIDEntity)),
	}
}

// Configured reports whether a signing secret is present.
func (r *RoomIDs) Configured() bool {
	return len(r.secret) > 0
}

// Generate mints a fresh room ID.
func (r *RoomIDs) Generate() (string, error) {
	if !r.Configured() {
		return "", ErrNotConfigured
	}

	nonce := make([]byte, roomIDRandomBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	token := make([]byte, 0, roomIDTotalBytes)
	token = append(token, nonce...)
	token = append(token, r.tag(nonce)...)

	return base64.RawURLEncoding.EncodeToString(token), nil
}

// Validate checks a room ID's length, encoding, and MAC tag. The tag
// comparison is constant time. Decoding is strict: the two unused low bits of
// the last character must be zero, so no two distinct strings decode to the
// same bytes.
func (r *RoomIDs) Validate(roomID string) error {
	if len(roomID) != RoomIDLength {
		return ErrInvalidRoomID
	}
	if !r.Configured() {
		return ErrNotConfigured
	}

	raw, err := base64.RawURLEncoding.Strict().DecodeString(roomID)
	if err != nil {
		return ErrInvalidRoomID
	}
	if len(raw) != roomIDTotalBytes {
		return ErrInvalidRoomID
	}

	nonce := raw[:roomIDRandomBytes]
	tag := raw[roomIDRandomBytes:]

	if !hmac.Equal(tag, r.tag(nonce)) {
		return ErrInvalidRoomID
	}
	return nil
}

func (r *RoomIDs) tag(nonce []byte) []byte {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(nonce)
	mac.Write(r.ctx)
	return mac.Sum(nil)[:roomIDTagBytes]
}
