package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/metrics"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE GATE - Central approval system
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signal arrives → Risk approves/rejects and sizes → caller executes
//
// Gates run in order; the first failure rejects the trade.
//
// ═══════════════════════════════════════════════════════════════════════════════

// rrTolerance absorbs float noise in the reward/risk comparison
const rrTolerance = 1e-9

// Rejection gates, also used as the metrics label
const (
	GateKillSwitch    = "kill_switch"
	GateDailyDrawdown = "daily_drawdown"
	GateInvalidSignal = "invalid_signal"
	GateConfidence    = "confidence"
	GateCapital       = "capital"
	GateLevels        = "levels"
	GateNoEdge        = "no_edge"
	GateRiskReward    = "risk_reward"
	GateSize          = "size"
	GateMinNotional   = "min_notional"
	GateMinProfit     = "min_profit"
)

// Decision is the outcome of ValidateAndSize
type Decision struct {
	Approved bool
	Reason   string
	Gate     string

	Symbol     string
	Side       types.Side
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Confidence float64
	AgentType  string

	RiskReward     float64
	WinProbability float64
	Kelly          float64
	RiskFraction   float64
}

// Intent converts an approval into the entry intent handed to the engine
func (d Decision) Intent() types.EntryIntent {
	return types.EntryIntent{
		Symbol:     d.Symbol,
		Side:       d.Side,
		Quantity:   d.Quantity,
		Price:      d.EntryPrice,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		Confidence: d.Confidence,
		AgentType:  d.AgentType,
	}
}

// ValidateAndSize gates a signal and, on approval, returns quantity, stop and target
func (m *Manager) ValidateAndSize(ctx context.Context, sig *types.TradeSignal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	reject := func(gate, msg string) Decision {
		log.Debug().
			Str("symbol", sig.Symbol).
			Str("gate", gate).
			Str("reason", msg).
			Msg("🚫 Trade rejected")
		metrics.IncRejected(gate)
		return Decision{Gate: gate, Reason: msg, Symbol: sig.Symbol, Side: sig.Direction}
	}

	// 1. Day rollover
	if next := m.state.Clone(); m.rollDay(next) {
		if err := m.commit(ctx, next); err != nil {
			log.Warn().Err(err).Msg("⚠️ Rollover not persisted, keeping previous day")
		}
	}

	// ══════════════════════════════════════════════════════════════════════════
	// HARD BLOCKS
	// ══════════════════════════════════════════════════════════════════════════

	// 2. Kill switch
	if m.state.KillSwitchActive {
		return reject(GateKillSwitch, fmt.Sprintf("kill switch active (%s)", m.state.KillSwitchReason))
	}

	// 3. Daily drawdown
	if m.dailyDrawdownBreached(m.state) {
		next := m.state.Clone()
		m.trip(next, types.KillSwitchDailyDrawdown)
		if err := m.commit(ctx, next); err != nil {
			log.Error().Err(err).Msg("❌ Kill switch not persisted, active in memory")
		}
		return reject(GateDailyDrawdown, fmt.Sprintf("daily drawdown limit reached (%s)", m.state.DailyPnL.StringFixed(2)))
	}

	if err := sig.Validate(); err != nil {
		return reject(GateInvalidSignal, err.Error())
	}
	if sig.Confidence < m.cfg.MinConfidence {
		return reject(GateConfidence, fmt.Sprintf("confidence %.2f below %.2f", sig.Confidence, m.cfg.MinConfidence))
	}
	capital := m.state.CurrentCapital
	if !capital.IsPositive() {
		return reject(GateCapital, "no capital available")
	}

	// ══════════════════════════════════════════════════════════════════════════
	// LEVELS & SIZE
	// ══════════════════════════════════════════════════════════════════════════

	// 4. Stop and target
	lv := CalculateLevels(m.cfg, sig)
	if !lv.StopDistance.IsPositive() || !lv.StopLoss.IsPositive() || !lv.TakeProfit.IsPositive() {
		return reject(GateLevels, "could not derive valid stop/target")
	}
	rr := lv.RiskReward()

	// 5. Fractional Kelly
	p := WinProbability(sig.Confidence, m.state.TradeHistory, m.state.LossStreak())
	f := Kelly(p, rr)
	if f <= 0 {
		return reject(GateNoEdge, fmt.Sprintf("no positive edge (p=%.3f, b=%.2f, f*=%.4f)", p, rr, f))
	}
	riskFraction := f * m.cfg.KellyFraction
	if maxRisk := m.cfg.MaxRiskPerTradePct / 100; riskFraction > maxRisk {
		riskFraction = maxRisk
	}

	// 6. Reward/risk
	if rr < m.cfg.MinRiskReward-rrTolerance {
		return reject(GateRiskReward, fmt.Sprintf("reward/risk %.2f below %.2f", rr, m.cfg.MinRiskReward))
	}

	qty := m.sizer.Quantity(capital, riskFraction, sig.CurrentPrice, lv.StopDistance)
	if !qty.IsPositive() {
		return reject(GateSize, "size rounds to zero")
	}

	// 7. Minimum size and profitability
	notional := qty.Mul(sig.CurrentPrice)
	if notional.LessThan(m.cfg.MinNotional) {
		return reject(GateMinNotional, fmt.Sprintf("notional %s below minimum %s", notional.StringFixed(2), m.cfg.MinNotional.StringFixed(2)))
	}
	fees := RoundTripFees(qty, sig.CurrentPrice, lv.TakeProfit, m.cfg.FeePct)
	netProfit := lv.TargetDist.Mul(qty).Sub(fees)
	if netProfit.LessThan(fees.Mul(decimal.NewFromFloat(m.cfg.ProfitFeeMultiple))) {
		return reject(GateMinProfit, fmt.Sprintf("expected net profit %s does not cover fees %s x%.1f",
			netProfit.StringFixed(4), fees.StringFixed(4), m.cfg.ProfitFeeMultiple))
	}

	metrics.IncApproved()
	log.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Direction)).
		Str("qty", qty.String()).
		Str("entry", sig.CurrentPrice.String()).
		Str("sl", lv.StopLoss.String()).
		Str("tp", lv.TakeProfit.String()).
		Float64("rr", rr).
		Float64("p", p).
		Float64("kelly", f).
		Float64("risk_frac", riskFraction).
		Msg("✅ Trade approved")

	return Decision{
		Approved:       true,
		Symbol:         sig.Symbol,
		Side:           sig.Direction,
		EntryPrice:     sig.CurrentPrice,
		Quantity:       qty,
		StopLoss:       lv.StopLoss,
		TakeProfit:     lv.TakeProfit,
		Confidence:     sig.Confidence,
		AgentType:      sig.AgentType,
		RiskReward:     rr,
		WinProbability: p,
		Kelly:          f,
		RiskFraction:   riskFraction,
	}
}
