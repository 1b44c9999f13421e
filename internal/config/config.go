// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Presence backend selection.
const (
	PresenceMemory = "memory"
	PresenceKV     = "kv"
)

// Auth mode selection.
const (
	AuthJWKS = "jwks"
	AuthHMAC = "hmac"
)

// Config holds every tunable of the realtime server.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerID   string `env:"SERVER_ID"`

	NATSURL  string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSUser string `env:"NATS_USER" envDefault:"realtime"`
	NATSPass string `env:"NATS_PASS" envDefault:"realtime-secret"`

	// Empty DatabaseURL runs without persistence, useful for local fanout
	// experiments only.
	DatabaseURL string `env:"DATABASE_URL"`

	PresenceBackend  string        `env:"PRESENCE_BACKEND" envDefault:"kv"`
	PresenceDebounce time.Duration `env:"PRESENCE_DEBOUNCE" envDefault:"120ms"`

	AuthMode   string `env:"AUTH_MODE" envDefault:"jwks"`
	JWKSURL    string `env:"JWKS_URL" envDefault:"http://localhost:8180/realms/chat/protocol/openid-connect/certs"`
	AuthIssuer string `env:"AUTH_ISSUER" envDefault:"http://localhost:8180/realms/chat"`
	AuthSecret string `env:"AUTH_SECRET"`

	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" envDefault:"4096"`
	TypingTTL        time.Duration `env:"TYPING_TTL" envDefault:"6s"`
}

// Load parses the environment into a Config and validates the cross-field
// constraints.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.PresenceBackend {
	case PresenceMemory, PresenceKV:
	default:
		return fmt.Errorf("unknown PRESENCE_BACKEND %q", c.PresenceBackend)
	}
	switch c.AuthMode {
	case AuthJWKS:
		if c.JWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwks requires JWKS_URL")
		}
	case AuthHMAC:
		if c.AuthSecret == "" {
			return fmt.Errorf("AUTH_MODE=hmac requires AUTH_SECRET")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive")
	}
	return nil
}
