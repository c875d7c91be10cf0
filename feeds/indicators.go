package feeds

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Volatility for stop placement
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultATRPeriod is the usual 14-bar lookback
const DefaultATRPeriod = 14

// ATR is the mean true range over the last `period` candles. It needs
// period+1 candles and returns zero with fewer.
func ATR(candles []types.Candle, period int) decimal.Decimal {
	if period <= 0 || len(candles) < period+1 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for i := len(candles) - period; i < len(candles); i++ {
		sum = sum.Add(trueRange(candles[i], candles[i-1].Close))
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// True Range = max(high-low, |high-prevClose|, |low-prevClose|)
func trueRange(c types.Candle, prevClose decimal.Decimal) decimal.Decimal {
	tr := c.High.Sub(c.Low)
	if hpc := c.High.Sub(prevClose).Abs(); hpc.GreaterThan(tr) {
		tr = hpc
	}
	if lpc := c.Low.Sub(prevClose).Abs(); lpc.GreaterThan(tr) {
		tr = lpc
	}
	return tr
}

// Volatility builds the signal volatility snapshot from candles, nil when
// there is not enough history
func Volatility(candles []types.Candle, period int) *types.Volatility {
	atr := ATR(candles, period)
	if !atr.IsPositive() {
		return nil
	}
	last := candles[len(candles)-1].Close
	pct := 0.0
	if last.IsPositive() {
		pct = atr.Div(last).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return &types.Volatility{ATR: atr, ATRPercent: pct}
}
