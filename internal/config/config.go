// Package config loads service configuration from the environment and the
// policy table from disk. Both are resolved once at startup; an inconsistent
// requirement table fails the process instead of surfacing per request.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"

	"mobigate.org/internal/authz"
)

// Config is the environment-driven configuration surface.
type Config struct {
	HTTPAddr   string `env:"MOBIGATE_HTTP_ADDR, default=:8080"`
	PGDSN      string `env:"MOBIGATE_PG_DSN"`
	PolicyPath string `env:"MOBIGATE_POLICY_PATH, default=ops/policy.json"`

	SessionTTL    time.Duration `env:"MOBIGATE_SESSION_TTL, default=24h"`
	SweepInterval time.Duration `env:"MOBIGATE_SWEEP_INTERVAL, default=1m"`

	MaxCredentialFailures int           `env:"MOBIGATE_MAX_CREDENTIAL_FAILURES, default=5"`
	CredentialCooldown    time.Duration `env:"MOBIGATE_CREDENTIAL_COOLDOWN, default=15m"`

	APITokenTTL time.Duration `env:"MOBIGATE_API_TOKEN_TTL, default=15m"`

	RateLimitPerSecond int `env:"MOBIGATE_RATE_LIMIT_PER_SECOND, default=20"`
	RateLimitBurst     int `env:"MOBIGATE_RATE_LIMIT_BURST, default=40"`
}

// Load resolves configuration from the process environment.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("config: session ttl must be positive")
	}
	return cfg, nil
}

// LoadPolicyTable reads and validates the requirement table. Any
// inconsistency is reported as authz.ErrPolicyConfig.
func LoadPolicyTable(path string) (*authz.PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read policy table: %v", authz.ErrPolicyConfig, err)
	}
	var table authz.PolicyTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("%w: decode policy table: %v", authz.ErrPolicyConfig, err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}
