package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL - Stop and target levels for a new entry
// ═══════════════════════════════════════════════════════════════════════════════
//
// With ATR:    stop = atr * stopMult, clamped to [min%, max%] of price
//              target = max(atr * targetMult, stop * minRR)
// Without ATR: suggested stop distance (clamped) or fixed fallback %,
//              never wider than 4% of price
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	hundred         = decimal.NewFromInt(100)
	fallbackStopCap = decimal.NewFromInt(4)
)

// Levels are the protective prices computed for an entry
type Levels struct {
	Entry        decimal.Decimal
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	StopDistance decimal.Decimal
	TargetDist   decimal.Decimal
	UsedATR      bool
}

// RiskReward is target distance over stop distance
func (l Levels) RiskReward() float64 {
	if !l.StopDistance.IsPositive() {
		return 0
	}
	return l.TargetDist.Div(l.StopDistance).InexactFloat64()
}

// CalculateLevels derives stop and target from the signal
func CalculateLevels(cfg Config, sig *types.TradeSignal) Levels {
	price := sig.CurrentPrice
	minDist := pctOf(price, cfg.MinStopDistancePct)
	maxDist := pctOf(price, cfg.MaxStopDistancePct)
	minRR := decimal.NewFromFloat(cfg.MinRiskReward)

	var stopDist, targetDist decimal.Decimal
	atr := sig.ATR()
	usedATR := atr.IsPositive()

	if usedATR {
		stopDist = clamp(atr.Mul(decimal.NewFromFloat(cfg.ATRStopMultiplier)), minDist, maxDist)
		targetDist = decimal.Max(atr.Mul(decimal.NewFromFloat(cfg.ATRTargetMultiplier)), stopDist.Mul(minRR))
	} else {
		ceiling := decimal.Min(maxDist, price.Mul(fallbackStopCap).Div(hundred))
		if minDist.GreaterThan(ceiling) {
			minDist = ceiling
		}
		stopDist = pctOf(price, cfg.FallbackStopPct)
		if s := sig.SuggestedStop; s != nil && onStopSide(sig.Direction, price, *s) {
			stopDist = price.Sub(*s).Abs()
		}
		stopDist = clamp(stopDist, minDist, ceiling)

		targetDist = stopDist.Mul(minRR)
		if t := sig.SuggestedTarget; t != nil && onTargetSide(sig.Direction, price, *t) {
			targetDist = decimal.Max(targetDist, t.Sub(price).Abs())
		}
	}

	lv := Levels{
		Entry:        price,
		StopDistance: stopDist,
		TargetDist:   targetDist,
		UsedATR:      usedATR,
	}
	if sig.Direction == types.SideShort {
		lv.StopLoss = price.Add(stopDist)
		lv.TakeProfit = price.Sub(targetDist)
	} else {
		lv.StopLoss = price.Sub(stopDist)
		lv.TakeProfit = price.Add(targetDist)
	}
	return lv
}

func onStopSide(side types.Side, price, stop decimal.Decimal) bool {
	if side == types.SideShort {
		return stop.GreaterThan(price)
	}
	return stop.LessThan(price)
}

func onTargetSide(side types.Side, price, target decimal.Decimal) bool {
	if side == types.SideShort {
		return target.LessThan(price)
	}
	return target.GreaterThan(price)
}

func pctOf(v decimal.Decimal, pct float64) decimal.Decimal {
	return v.Mul(decimal.NewFromFloat(pct)).Div(hundred)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
