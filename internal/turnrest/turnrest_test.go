package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func testGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{
		Host:           "turn.example.com",
		SharedSecret:   "shared-secret",
		TTLSeconds:     300,
		UsernamePrefix: "pairwave",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_CoturnCompatible(t *testing.T) {
	g := testGenerator(t)

	creds, err := g.Generate("R1binding")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantUsername := "1700000300:pairwave:R1binding"
	if creds.Username != wantUsername {
		t.Fatalf("username = %q, want %q", creds.Username, wantUsername)
	}
	if creds.ExpiryUnix != 1_700_000_300 {
		t.Fatalf("expiry = %d, want 1700000300", creds.ExpiryUnix)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Password != want {
		t.Fatalf("password = %q, want %q", creds.Password, want)
	}
}

func TestGenerate_URIs(t *testing.T) {
	g := testGenerator(t)
	creds, err := g.Generate("b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []string{
		"stun:turn.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"turn:turn.example.com:3478?transport=tcp",
		"turns:turn.example.com:5349?transport=tcp",
	}
	if len(creds.URIs) != len(want) {
		t.Fatalf("uris = %v, want %v", creds.URIs, want)
	}
	for i := range want {
		if creds.URIs[i] != want[i] {
			t.Fatalf("uris[%d] = %q, want %q", i, creds.URIs[i], want[i])
		}
	}
}

func TestGenerate_RejectsColonBinding(t *testing.T) {
	g := testGenerator(t)
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for binding containing ':'")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatalf("expected error for empty binding")
	}
}

func TestICEServers_CredentialsOnTURNOnly(t *testing.T) {
	g := testGenerator(t)
	creds, err := g.Generate("b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	servers := creds.ICEServers()
	if len(servers) != 2 {
		t.Fatalf("expected 2 ICE servers (stun, turn), got %d", len(servers))
	}

	stun, turn := servers[0], servers[1]
	if stun.Username != "" || stun.Credential != nil {
		t.Fatalf("stun entry must carry no credentials: %+v", stun)
	}
	for _, u := range turn.URLs {
		if !strings.HasPrefix(u, "turn") {
			t.Fatalf("unexpected non-TURN url %q in credentialed entry", u)
		}
	}
	if turn.Username != creds.Username || turn.Credential != creds.Password {
		t.Fatalf("turn entry missing minted credentials: %+v", turn)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	base := Config{Host: "turn.example.com", SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "p"}

	for name, mutate := range map[string]func(*Config){
		"missing host":    func(c *Config) { c.Host = "" },
		"missing secret":  func(c *Config) { c.SharedSecret = "" },
		"zero ttl":        func(c *Config) { c.TTLSeconds = 0 },
		"missing prefix":  func(c *Config) { c.UsernamePrefix = "" },
		"colon in prefix": func(c *Config) { c.UsernamePrefix = "a:b" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if _, err := NewGenerator(cfg); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}
