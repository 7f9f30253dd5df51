package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/pairwave/signaling/internal/ident"
	"github.com/pairwave/signaling/internal/token"
	"github.com/pairwave/signaling/internal/transport"
)

// handleRoomID mints a fresh room capability token. No auth: knowing a room
// ID is the capability.
func (s *Server) handleRoomID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID, err := s.roomIDs.Generate()
	if err != nil {
		if errors.Is(err, ident.ErrNotConfigured) {
			s.log.Warn("room id mint attempted without secret")
		} else {
			s.log.Error("room id generation failed", "err", err)
		}
		http.Error(w, "Room ID service unavailable", http.StatusServiceUnavailable)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"roomId": roomID})
}

type turnCredentialsResponse struct {
	URIs      []string `json:"uris"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	ExpiresAt int64    `json:"expiresAt"`
	// ICEServers is the same material pre-assembled in the shape browsers
	// pass to RTCPeerConnection, so clients don't rebuild it themselves.
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleTurnCredentials exchanges a relay token minted at join (or a
// diagnostic token) for short-lived TURN credentials.
func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.turn == nil {
		http.Error(w, "TURN is not configured", http.StatusServiceUnavailable)
		return
	}

	relayToken := strings.TrimSpace(r.Header.Get("X-Turn-Token"))
	if relayToken == "" {
		http.Error(w, "Missing relay token", http.StatusUnauthorized)
		return
	}
	if _, err := s.tokens.Consume(relayToken); err != nil {
		s.log.Info("relay token rejected", "err", err, "ip", transport.ClientIP(r))
		http.Error(w, "Invalid relay token", http.StatusUnauthorized)
		return
	}

	creds, err := s.turn.GenerateRandom()
	if err != nil {
		s.log.Error("turn credential mint failed", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, turnCredentialsResponse{
		URIs:       creds.URIs,
		Username:   creds.Username,
		Password:   creds.Password,
		ExpiresAt:  creds.ExpiryUnix,
		ICEServers: creds.ICEServers(),
	})
}

// handleDiagnosticToken mints a very short-lived token so the device-check
// page can exercise the TURN path without joining a room.
func (s *Server) handleDiagnosticToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	tok, expiresAt, err := s.tokens.Issue(transport.ClientIP(r), token.DiagnosticTTL, token.KindDiagnostic)
	if err != nil {
		s.log.Error("diagnostic token mint failed", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"token":     tok,
		"expiresAt": expiresAt.Unix(),
	})
}
