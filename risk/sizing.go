package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Fractional Kelly on a blended win probability
// ═══════════════════════════════════════════════════════════════════════════════
//
// f*   = (b*p - (1-p)) / b       b = reward/risk, p = win probability
// risk = min(f* * kellyFraction, maxRiskPerTrade)
// qty  = capital * risk / stopDistance, capped at maxPosition% notional
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	minTradesForHistory  = 10
	fullHistoryTrades    = 50
	neutralProbability   = 0.50
	conservativeBaseProb = 0.45
	lossStreakThreshold  = 3
	lossStreakDiscount   = 0.85
	minProbability       = 0.25
	maxProbability       = 0.80
	minPerformanceFactor = 0.6
	maxPerformanceFactor = 1.4
)

// WinProbability blends signal confidence with the historical win rate,
// weighted by how much history exists.
func WinProbability(confidence float64, stats types.TradeStats, lossStreak int) float64 {
	n := stats.Total()
	hist := stats.WinRate()

	var p float64
	switch {
	case n < minTradesForHistory:
		p = neutralProbability
	case n <= fullHistoryTrades:
		w := float64(n-minTradesForHistory) / float64(fullHistoryTrades-minTradesForHistory)
		p = conservativeBaseProb + (hist-conservativeBaseProb)*w
	default:
		factor := math.Min(math.Max(hist/neutralProbability, minPerformanceFactor), maxPerformanceFactor)
		p = confidence * factor
		if lossStreak >= lossStreakThreshold {
			p *= lossStreakDiscount
		}
	}
	return math.Min(math.Max(p, minProbability), maxProbability)
}

// Kelly returns the full Kelly fraction for win probability p and payoff b
func Kelly(p, b float64) float64 {
	if b <= 0 {
		return -1
	}
	return (b*p - (1 - p)) / b
}

// Sizer converts a risk fraction into a unit quantity
type Sizer struct {
	maxPct    decimal.Decimal // max notional as a fraction of capital
	precision int32
}

func NewSizer(maxPositionPct float64, precision int32) *Sizer {
	return &Sizer{
		maxPct:    decimal.NewFromFloat(maxPositionPct).Div(hundred),
		precision: precision,
	}
}

// Quantity sizes so that a stop-out loses capital*riskFraction
func (s *Sizer) Quantity(capital decimal.Decimal, riskFraction float64, entry, stopDistance decimal.Decimal) decimal.Decimal {
	if !stopDistance.IsPositive() || !entry.IsPositive() {
		return decimal.Zero
	}
	riskAmount := capital.Mul(decimal.NewFromFloat(riskFraction))
	size := riskAmount.Div(stopDistance)
	return s.applyConstraints(size, entry, capital).Truncate(s.precision)
}

// applyConstraints caps the notional at maxPct of capital
func (s *Sizer) applyConstraints(size, entryPrice, capital decimal.Decimal) decimal.Decimal {
	maxUnits := capital.Mul(s.maxPct).Div(entryPrice)
	if size.GreaterThan(maxUnits) {
		return maxUnits
	}
	return size
}

// RoundTripFees is the fee paid to enter at entry and exit at exit
func RoundTripFees(qty, entry, exit decimal.Decimal, feePct float64) decimal.Decimal {
	fee := decimal.NewFromFloat(feePct).Div(hundred)
	return qty.Mul(entry).Mul(fee).Add(qty.Mul(exit).Mul(fee))
}
