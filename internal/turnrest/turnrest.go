package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// This package mints coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username = <unix_expiry_timestamp>:<username_prefix>:<binding>
//	password = base64(hmac_sha1(shared_secret, username))
//
// The binding is an opaque per-call identifier so relay allocations can be
// traced back to the token that gated them.

// Generator derives short-lived relay credentials from the shared secret
// configured on the TURN server.
type Generator struct {
	host           string
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

// Config for NewGenerator. Now may be nil to use the wall clock.
type Config struct {
	// Host is the TURN server's public hostname (no scheme, no port).
	Host           string
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("turn host is required")
	}
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		host:           strings.TrimSpace(cfg.Host),
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

// Credentials is one minted username/password pair plus the relay URI list
// clients feed into their ICE configuration.
type Credentials struct {
	URIs       []string
	Username   string
	Password   string
	ExpiryUnix int64
}

// Generate mints credentials bound to the given per-call identifier.
func (g *Generator) Generate(binding string) (Credentials, error) {
	if binding == "" {
		return Credentials{}, errors.New("binding is required")
	}
	if strings.Contains(binding, ":") {
		return Credentials{}, errors.New("binding must not contain ':'")
	}

	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, binding)

	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		URIs:       g.URIs(),
		Username:   username,
		Password:   password,
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom mints credentials with a random binding, for callers that
// have no natural per-call identifier.
func (g *Generator) GenerateRandom() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}

// URIs returns the relay URIs for the configured host: STUN plus TURN over
// UDP/TCP and TURN-over-TLS.
func (g *Generator) URIs() []string {
	return []string{
		"stun:" + g.host + ":3478",
		"turn:" + g.host + ":3478?transport=udp",
		"turn:" + g.host + ":3478?transport=tcp",
		"turns:" + g.host + ":5349?transport=tcp",
	}
}

// ICEServers assembles the credentialed ICE server list in the shape browser
// clients pass to RTCPeerConnection. Credentials are only attached to entries
// with TURN URLs; STUN needs none.
func (c Credentials) ICEServers() []webrtc.ICEServer {
	var stun, turn []string
	for _, uri := range c.URIs {
		if hasTURNScheme(uri) {
			turn = append(turn, uri)
		} else {
			stun = append(stun, uri)
		}
	}

	servers := make([]webrtc.ICEServer, 0, 2)
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.Username,
			Credential: c.Password,
		})
	}
	return servers
}

func hasTURNScheme(uri string) bool {
	lower := strings.ToLower(strings.TrimSpace(uri))
	return strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:")
}
