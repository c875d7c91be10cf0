package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the risk limits. Percentages are expressed as percent (1.5 = 1.5%).
type Config struct {
	InitialCapital decimal.Decimal

	MaxRiskPerTradePct  float64
	MaxDailyDrawdownPct float64
	MaxTotalLossPct     float64
	MinRiskReward       float64
	KellyFraction       float64
	MinConfidence       float64

	ATRStopMultiplier   float64
	ATRTargetMultiplier float64
	MinStopDistancePct  float64
	MaxStopDistancePct  float64
	FallbackStopPct     float64

	MaxPositionPct    float64
	MinNotional       decimal.Decimal
	FeePct            float64 // per side
	ProfitFeeMultiple float64
	QuantityPrecision int32

	RecentResultsWindow int
	DailyAutoReset      bool // clear a daily-drawdown kill switch on day rollover
	Location            *time.Location
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		InitialCapital:      decimal.NewFromInt(1000),
		MaxRiskPerTradePct:  1,
		MaxDailyDrawdownPct: 5,
		MaxTotalLossPct:     20,
		MinRiskReward:       2,
		KellyFraction:       0.25,
		MinConfidence:       0.55,
		ATRStopMultiplier:   2,
		ATRTargetMultiplier: 3,
		MinStopDistancePct:  0.5,
		MaxStopDistancePct:  5,
		FallbackStopPct:     2,
		MaxPositionPct:      25,
		MinNotional:         decimal.NewFromInt(10),
		FeePct:              0.1,
		ProfitFeeMultiple:   5,
		QuantityPrecision:   6,
		RecentResultsWindow: 50,
		DailyAutoReset:      true,
		Location:            time.UTC,
	}
}

// Validate rejects configurations that cannot be traded safely
func (c Config) Validate() error {
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("initial capital must be positive")
	}
	pcts := []struct {
		name string
		v    float64
	}{
		{"max risk per trade", c.MaxRiskPerTradePct},
		{"max daily drawdown", c.MaxDailyDrawdownPct},
		{"max total loss", c.MaxTotalLossPct},
		{"min stop distance", c.MinStopDistancePct},
		{"max stop distance", c.MaxStopDistancePct},
		{"fallback stop", c.FallbackStopPct},
		{"max position", c.MaxPositionPct},
	}
	for _, p := range pcts {
		if p.v <= 0 || p.v > 100 {
			return fmt.Errorf("%s percent %v outside (0,100]", p.name, p.v)
		}
	}
	if c.MinStopDistancePct > c.MaxStopDistancePct {
		return fmt.Errorf("min stop distance %v exceeds max %v", c.MinStopDistancePct, c.MaxStopDistancePct)
	}
	if c.MinRiskReward <= 0 {
		return fmt.Errorf("min risk/reward must be positive")
	}
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		return fmt.Errorf("kelly fraction %v outside (0,1]", c.KellyFraction)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence %v outside [0,1]", c.MinConfidence)
	}
	if c.ATRStopMultiplier <= 0 || c.ATRTargetMultiplier <= 0 {
		return fmt.Errorf("atr multipliers must be positive")
	}
	if c.FeePct < 0 || c.ProfitFeeMultiple < 0 {
		return fmt.Errorf("fee settings must not be negative")
	}
	if c.RecentResultsWindow <= 0 {
		return fmt.Errorf("recent results window must be positive")
	}
	return nil
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
