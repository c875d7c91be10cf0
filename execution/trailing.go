package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILING STOP - Pure evaluation, no I/O
// ═══════════════════════════════════════════════════════════════════════════════
//
// A candidate stop is written only if all hold:
//   1. profit reached the activation threshold (or trailing is already active)
//   2. cooldown since the last stop update elapsed
//   3. candidate is strictly more favorable than the current stop
//   4. candidate is on the protective side of the live price
//   5. candidate keeps at least the minimum safety margin from the price
//
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

type TrailingParams struct {
	ActivationPct      float64
	DistancePct        float64
	MinSafetyMarginPct float64
	Cooldown           time.Duration
}

// TrailingDecision is the outcome of one evaluation
type TrailingDecision struct {
	Update   bool
	NewStop  decimal.Decimal
	Activate bool   // first update for this position
	Skip     string // why no update, empty when Update
}

// EvaluateTrailing decides whether pos's stop should move at price
func EvaluateTrailing(pos *types.Position, price decimal.Decimal, now time.Time, p TrailingParams) TrailingDecision {
	if !price.IsPositive() || !pos.EntryPrice.IsPositive() {
		return TrailingDecision{Skip: "no price"}
	}

	_, profitPct := pos.PnLAt(price)
	if !pos.TrailingActive && profitPct.LessThan(decimal.NewFromFloat(p.ActivationPct)) {
		return TrailingDecision{Skip: "below activation"}
	}

	if pos.TrailingActive && now.Sub(pos.LastStopUpdate) < p.Cooldown {
		return TrailingDecision{Skip: "cooldown"}
	}

	dist := pos.TrailingDistancePercent
	if !dist.IsPositive() {
		dist = decimal.NewFromFloat(p.DistancePct)
	}
	offset := price.Mul(dist).Div(hundred)

	long := pos.Side != types.SideShort
	var candidate decimal.Decimal
	if long {
		candidate = price.Sub(offset)
	} else {
		candidate = price.Add(offset)
	}

	if long && !candidate.GreaterThan(pos.StopLoss) || !long && !candidate.LessThan(pos.StopLoss) {
		return TrailingDecision{Skip: "not more favorable"}
	}

	if long && !candidate.LessThan(price) || !long && !candidate.GreaterThan(price) {
		return TrailingDecision{Skip: "wrong side of price"}
	}

	margin := price.Mul(decimal.NewFromFloat(p.MinSafetyMarginPct)).Div(hundred)
	if price.Sub(candidate).Abs().LessThan(margin) {
		return TrailingDecision{Skip: "inside safety margin"}
	}

	return TrailingDecision{
		Update:   true,
		NewStop:  candidate,
		Activate: !pos.TrailingActive,
	}
}
