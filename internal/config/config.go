// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every runtime knob the binaries need. It is parsed once at
// startup and threaded through explicitly.
type Config struct {
	Addr        string `env:"FIELDGATE_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"FIELDGATE_PG_DSN"`

	RateBurst  int `env:"FIELDGATE_RATE_BURST" envDefault:"20"`
	RatePerSec int `env:"FIELDGATE_RATE_PER_SEC" envDefault:"10"`

	// RiskIntelPath points at a JSON table of IP reputation signals.
	// Empty disables IP intelligence, which leaves every risk score at 0.
	RiskIntelPath string `env:"FIELDGATE_RISK_INTEL"`

	ReservationTTL  time.Duration `env:"FIELDGATE_RESERVATION_TTL" envDefault:"30m"`
	ShutdownTimeout time.Duration `env:"FIELDGATE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
