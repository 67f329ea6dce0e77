// Package config loads the shake service configuration from SHAKE_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/bogdan-velicu/MeetUp/internal/matching"
	"github.com/bogdan-velicu/MeetUp/internal/ratelimit"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	ProximityMeters float64       `env:"PROXIMITY_THRESHOLD_METERS" envDefault:"100"`
	TimeWindow      time.Duration `env:"TIME_WINDOW"                envDefault:"15s"`
	SessionTTL      time.Duration `env:"SESSION_TTL"                envDefault:"15s"`
	ClaimTTL        time.Duration `env:"CLAIM_TTL"                  envDefault:"10s"`
	SettleTimeout   time.Duration `env:"SETTLE_TIMEOUT"             envDefault:"3s"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL"             envDefault:"5s"`
	PointsPerMatch  int           `env:"POINTS_PER_MATCH"           envDefault:"50"`

	Store       string `env:"STORE"        envDefault:"memory"`
	RedisAddr   string `env:"REDIS_ADDR"   envDefault:"localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL"`
	NATSURL     string `env:"NATS_URL"     envDefault:"nats://localhost:4222"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	RateLimit  int           `env:"RATE_LIMIT"  envDefault:"10"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "SHAKE_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ProximityMeters <= 0:
		return fmt.Errorf("config: proximity threshold must be positive, got %v", c.ProximityMeters)
	case c.TimeWindow <= 0 || c.SessionTTL <= 0:
		return fmt.Errorf("config: time window and session ttl must be positive")
	case c.ClaimTTL <= 0:
		return fmt.Errorf("config: claim ttl must be positive, got %s", c.ClaimTTL)
	case c.SettleTimeout < 0:
		return fmt.Errorf("config: settle timeout must not be negative, got %s", c.SettleTimeout)
	case c.PointsPerMatch <= 0:
		return fmt.Errorf("config: points per match must be positive, got %d", c.PointsPerMatch)
	}

	switch c.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: SHAKE_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	return nil
}

// Matching returns the matcher tunables.
func (c Config) Matching() matching.Config {
	return matching.Config{
		ProximityMeters: c.ProximityMeters,
		TimeWindow:      c.TimeWindow,
		SessionTTL:      c.SessionTTL,
		ClaimTTL:        c.ClaimTTL,
		SettleTimeout:   c.SettleTimeout,
		PointsPerMatch:  c.PointsPerMatch,
	}
}

// ShakeRule returns the rate limiting rule for shake signals. A
// non-positive limit disables limiting.
func (c Config) ShakeRule() (ratelimit.Rule, bool) {
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return ratelimit.Rule{}, false
	}
	return ratelimit.NewShakeRule(c.RateLimit, c.RateWindow), true
}
