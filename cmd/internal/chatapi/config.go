package chatapi

import (
	"os"
	"strconv"
	"strings"
)

const defaultMaxBodyBytes = 1 << 20

// Config controls chat API limits.
type Config struct {
	MaxBodyBytes int64
}

// LoadConfigFromEnv reads HUDDLE_API_MAX_BODY_BYTES (default 1 MiB).
func LoadConfigFromEnv() Config {
	cfg := Config{MaxBodyBytes: defaultMaxBodyBytes}
	if v := strings.TrimSpace(os.Getenv("HUDDLE_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	return cfg
}
