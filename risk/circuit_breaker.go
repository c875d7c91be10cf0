package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KILL SWITCH - Halts new approvals after a loss threshold
// ═══════════════════════════════════════════════════════════════════════════════
//
// daily_drawdown: cleared on day rollover when DailyAutoReset is on
// total_loss, manual: only ClearKillSwitch clears them
//
// ═══════════════════════════════════════════════════════════════════════════════

// rollDay resets daily P&L when the calendar day has changed. Reports
// whether s was modified.
func (m *Manager) rollDay(s *types.RiskState) bool {
	today := m.today()
	if s.DailyResetDate == today {
		return false
	}

	log.Info().
		Str("from", s.DailyResetDate).
		Str("to", today).
		Str("prev_daily_pnl", s.DailyPnL.StringFixed(2)).
		Msg("📅 Daily risk rollover")

	s.DailyPnL = decimal.Zero
	s.DailyResetDate = today

	if s.KillSwitchActive && s.KillSwitchReason == types.KillSwitchDailyDrawdown && m.cfg.DailyAutoReset {
		s.KillSwitchActive = false
		s.KillSwitchReason = types.KillSwitchNone
		log.Info().Msg("✅ Daily drawdown kill switch cleared on new day")
	}
	return true
}

// dailyDrawdownBreached is true when today's loss reaches the limit
func (m *Manager) dailyDrawdownBreached(s *types.RiskState) bool {
	if !s.DailyPnL.IsNegative() || !s.InitialCapital.IsPositive() {
		return false
	}
	limit := s.InitialCapital.Mul(decimal.NewFromFloat(m.cfg.MaxDailyDrawdownPct))
	return s.DailyPnL.Abs().Mul(hundred).GreaterThanOrEqual(limit)
}

// totalLossBreached is true when capital has fallen maxTotalLoss% below initial
func (m *Manager) totalLossBreached(s *types.RiskState) bool {
	if !s.InitialCapital.IsPositive() {
		return false
	}
	drop := s.InitialCapital.Sub(s.CurrentCapital).Mul(hundred)
	return drop.GreaterThanOrEqual(s.InitialCapital.Mul(decimal.NewFromFloat(m.cfg.MaxTotalLossPct)))
}

// checkLossLimits activates the kill switch on s if a threshold is breached
func (m *Manager) checkLossLimits(s *types.RiskState) {
	if s.KillSwitchActive {
		return
	}
	switch {
	case m.totalLossBreached(s):
		m.trip(s, types.KillSwitchTotalLoss)
	case m.dailyDrawdownBreached(s):
		m.trip(s, types.KillSwitchDailyDrawdown)
	}
}

func (m *Manager) trip(s *types.RiskState, reason types.KillSwitchReason) {
	s.KillSwitchActive = true
	s.KillSwitchReason = reason
	s.KillSwitchAt = m.now()

	log.Warn().
		Str("reason", string(reason)).
		Str("capital", s.CurrentCapital.StringFixed(2)).
		Str("daily_pnl", s.DailyPnL.StringFixed(2)).
		Msg("🚨 KILL SWITCH ACTIVATED")
}

// notifyTransition emits kill-switch events when the committed state flips
func (m *Manager) notifyTransition(prev, next *types.RiskState) {
	switch {
	case !prev.KillSwitchActive && next.KillSwitchActive:
		m.notifier.Notify(types.Event{
			Type:     types.EventKillSwitchActivated,
			Priority: types.PriorityHigh,
			Message: fmt.Sprintf("kill switch activated: %s (capital %s, daily pnl %s)",
				next.KillSwitchReason, next.CurrentCapital.StringFixed(2), next.DailyPnL.StringFixed(2)),
			Time: m.now(),
		})
	case prev.KillSwitchActive && !next.KillSwitchActive:
		m.notifier.Notify(types.Event{
			Type:    types.EventKillSwitchCleared,
			Message: fmt.Sprintf("kill switch cleared (was %s)", prev.KillSwitchReason),
			Time:    m.now(),
		})
	}
}

// IsHalted reports whether new approvals are blocked
func (m *Manager) IsHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.KillSwitchActive
}

// ActivateKillSwitch halts approvals until ClearKillSwitch
func (m *Manager) ActivateKillSwitch(ctx context.Context, reason types.KillSwitchReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.KillSwitchActive {
		return nil
	}
	next := m.state.Clone()
	m.trip(next, reason)
	return m.commit(ctx, next)
}

// ClearKillSwitch is the explicit operator reset
func (m *Manager) ClearKillSwitch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.KillSwitchActive {
		return nil
	}
	next := m.state.Clone()
	next.KillSwitchActive = false
	next.KillSwitchReason = types.KillSwitchNone
	if err := m.commit(ctx, next); err != nil {
		return err
	}
	log.Info().Msg("✅ Kill switch cleared by operator")
	return nil
}
