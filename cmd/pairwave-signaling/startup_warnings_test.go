package main

import (
	"strings"
	"testing"

	"github.com/pairwave/signaling/internal/config"
)

func TestStartupSecurityWarnings(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want []string
	}{
		{
			name: "bare dev config warns about secrets",
			cfg:  config.Config{Mode: config.ModeDev},
			want: []string{"ROOM_ID_SECRET", "TURN_HOST"},
		},
		{
			name: "fully configured prod is quiet",
			cfg: config.Config{
				Mode:           config.ModeProd,
				RoomIDSecret:   "s",
				RoomIDEnv:      "prod",
				TURNHost:       "turn.example.com",
				TURNSecret:     "t",
				AllowedOrigins: []string{"https://call.example.com"},
			},
			want: nil,
		},
		{
			name: "prod without origins",
			cfg: config.Config{
				Mode:         config.ModeProd,
				RoomIDSecret: "s",
				RoomIDEnv:    "prod",
				TURNHost:     "turn.example.com",
				TURNSecret:   "t",
			},
			want: []string{"ALLOWED_ORIGINS"},
		},
		{
			name: "prod with dev room id env",
			cfg: config.Config{
				Mode:           config.ModeProd,
				RoomIDSecret:   "s",
				RoomIDEnv:      "dev",
				TURNHost:       "turn.example.com",
				TURNSecret:     "t",
				AllowedOrigins: []string{"https://call.example.com"},
			},
			want: []string{"ROOM_ID_ENV"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := startupSecurityWarnings(tt.cfg)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d warnings %v, want %d", len(got), got, len(tt.want))
			}
			for i, fragment := range tt.want {
				if !strings.Contains(got[i], fragment) {
					t.Fatalf("warning %d = %q, want mention of %q", i, got[i], fragment)
				}
			}
		})
	}
}
