package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for token verification (and optional issuance).
//
// Exactly one key source is used:
//   - PasetoV4SecretKeyHex: verify + issue (public key derived from it)
//   - PasetoV4PublicKeyHex: verify only (production: tokens come from the auth service)
//   - DevEphemeralKey: a random keypair generated at startup (dev only)
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// Audience is the expected "aud" claim. Empty disables the check.
	Audience string

	// AccessTokenTTL is used when this process issues tokens.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	PasetoV4SecretKeyHex string
	PasetoV4PublicKeyHex string

	DevEphemeralKey bool
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "huddle-auth",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// One of:
//   - HUDDLE_PASETO_V4_SECRET_KEY_HEX
//   - HUDDLE_PASETO_V4_PUBLIC_KEY_HEX
//   - HUDDLE_AUTH_DEV_EPHEMERAL=true
//
// Optional (durations must be valid Go duration strings):
//   - HUDDLE_AUTH_ISSUER
//   - HUDDLE_AUTH_AUDIENCE
//   - HUDDLE_AUTH_ACCESS_TTL
//   - HUDDLE_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("HUDDLE_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	cfg.Audience = strings.TrimSpace(os.Getenv("HUDDLE_AUTH_AUDIENCE"))

	if v := os.Getenv("HUDDLE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("HUDDLE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("HUDDLE_PASETO_V4_SECRET_KEY_HEX"))
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("HUDDLE_PASETO_V4_PUBLIC_KEY_HEX"))

	if v := strings.TrimSpace(os.Getenv("HUDDLE_AUTH_DEV_EPHEMERAL")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.DevEphemeralKey = b
	}

	if cfg.PasetoV4SecretKeyHex == "" && cfg.PasetoV4PublicKeyHex == "" && !cfg.DevEphemeralKey {
		return Config{}, ErrConfig
	}
	if cfg.PasetoV4SecretKeyHex != "" && cfg.PasetoV4PublicKeyHex != "" {
		// Ambiguous: the public key would be ignored.
		return Config{}, ErrConfig
	}

	return cfg, nil
}
