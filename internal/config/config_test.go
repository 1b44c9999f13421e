package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.PresenceBackend != PresenceKV {
		t.Errorf("PresenceBackend = %q, want kv", cfg.PresenceBackend)
	}
	if cfg.PresenceDebounce != 120*time.Millisecond {
		t.Errorf("PresenceDebounce = %v, want 120ms", cfg.PresenceDebounce)
	}
	if cfg.TypingTTL != 6*time.Second {
		t.Errorf("TypingTTL = %v, want 6s", cfg.TypingTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PRESENCE_BACKEND", "memory")
	t.Setenv("AUTH_MODE", "hmac")
	t.Setenv("AUTH_SECRET", "sekrit")
	t.Setenv("MAX_MESSAGE_LENGTH", "512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PresenceBackend != PresenceMemory {
		t.Errorf("PresenceBackend = %q, want memory", cfg.PresenceBackend)
	}
	if cfg.AuthMode != AuthHMAC || cfg.AuthSecret != "sekrit" {
		t.Errorf("auth settings not applied: %+v", cfg)
	}
	if cfg.MaxMessageLength != 512 {
		t.Errorf("MaxMessageLength = %d, want 512", cfg.MaxMessageLength)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad presence backend", map[string]string{"PRESENCE_BACKEND": "redis"}},
		{"bad auth mode", map[string]string{"AUTH_MODE": "none"}},
		{"hmac without secret", map[string]string{"AUTH_MODE": "hmac"}},
		{"zero message length", map[string]string{"MAX_MESSAGE_LENGTH": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

// An empty JWKS_URL cannot be produced through Load: env parsing re-applies
// the default to empty-set variables. The cross-field rule still holds for a
// directly built Config.
func TestValidateJWKSRequiresURL(t *testing.T) {
	cfg := Config{
		PresenceBackend:  PresenceKV,
		AuthMode:         AuthJWKS,
		MaxMessageLength: 4096,
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected a validation error for jwks mode without a url")
	}
	cfg.JWKSURL = "http://localhost:8180/realms/chat/protocol/openid-connect/certs"
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
