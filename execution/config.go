package execution

import (
	"fmt"
	"time"
)

// ProtectionMode selects who enforces stops and targets
type ProtectionMode string

const (
	ProtectionExchange ProtectionMode = "exchange" // exchange-native OCO, local triggers as fallback
	ProtectionLocal    ProtectionMode = "local"    // monitoring loop only
)

// ParseProtectionMode accepts exchange|exchange-native|local
func ParseProtectionMode(s string) (ProtectionMode, error) {
	switch s {
	case "exchange", "exchange-native", "native", "oco":
		return ProtectionExchange, nil
	case "local":
		return ProtectionLocal, nil
	}
	return "", fmt.Errorf("invalid protection mode %q", s)
}

type Config struct {
	MaxConcurrentPositions int

	TrailingActivationPct      float64
	TrailingDistancePct        float64
	TrailingCooldown           time.Duration
	TrailingMinSafetyMarginPct float64

	MonitorInterval         time.Duration
	ProtectionMode          ProtectionMode
	GatewayTimeout          time.Duration
	PriceMaxAge             time.Duration
	ProtectionRetryInterval time.Duration

	RecoveryBalanceRatio float64 // held/recorded quantity below this means closed
	RecoveryConcurrency  int
	QuoteAsset           string
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentPositions:     3,
		TrailingActivationPct:      2,
		TrailingDistancePct:        1,
		TrailingCooldown:           3 * time.Second,
		TrailingMinSafetyMarginPct: 0.3,
		MonitorInterval:            300 * time.Millisecond,
		ProtectionMode:             ProtectionLocal,
		GatewayTimeout:             5 * time.Second,
		PriceMaxAge:                3 * time.Second,
		ProtectionRetryInterval:    30 * time.Second,
		RecoveryBalanceRatio:       0.95,
		RecoveryConcurrency:        4,
		QuoteAsset:                 "USDT",
	}
}

func (c Config) Validate() error {
	if c.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("max concurrent positions must be positive")
	}
	if c.TrailingActivationPct < 0 || c.TrailingDistancePct <= 0 || c.TrailingDistancePct >= 100 {
		return fmt.Errorf("invalid trailing settings")
	}
	if c.TrailingMinSafetyMarginPct < 0 {
		return fmt.Errorf("trailing safety margin must not be negative")
	}
	if c.MonitorInterval <= 0 || c.GatewayTimeout <= 0 {
		return fmt.Errorf("monitor interval and gateway timeout must be positive")
	}
	if c.ProtectionMode != ProtectionExchange && c.ProtectionMode != ProtectionLocal {
		return fmt.Errorf("invalid protection mode %q", c.ProtectionMode)
	}
	if c.ProtectionRetryInterval <= 0 {
		return fmt.Errorf("protection retry interval must be positive")
	}
	if c.RecoveryConcurrency <= 0 {
		return fmt.Errorf("recovery concurrency must be positive")
	}
	if c.RecoveryBalanceRatio <= 0 || c.RecoveryBalanceRatio > 1 {
		return fmt.Errorf("recovery balance ratio %v outside (0,1]", c.RecoveryBalanceRatio)
	}
	return nil
}

func (c Config) trailing() TrailingParams {
	return TrailingParams{
		ActivationPct:      c.TrailingActivationPct,
		DistancePct:        c.TrailingDistancePct,
		MinSafetyMarginPct: c.TrailingMinSafetyMarginPct,
		Cooldown:           c.TrailingCooldown,
	}
}
