package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/metrics"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Owner of the risk state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation follows the same critical section:
//   lock → clone → mutate clone → commit clone → swap → unlock
//
// A failed commit leaves memory and store at the pre-mutation state.
// The one exception is kill-switch activation, which always sticks in memory.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StateStore persists the risk state atomically
type StateStore interface {
	LoadRiskState(ctx context.Context, recent int) (*types.RiskState, error)
	SaveRiskState(ctx context.Context, state *types.RiskState, keep int, appended ...types.TradeResult) error
}

type Manager struct {
	mu sync.Mutex

	cfg      Config
	store    StateStore
	notifier types.Notifier
	sizer    *Sizer
	now      func() time.Time

	state *types.RiskState
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier sets the event sink
func WithNotifier(n types.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// NewManager loads the persisted risk state or seeds a fresh one
func NewManager(ctx context.Context, cfg Config, store StateStore, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		notifier: types.NopNotifier{},
		sizer:    NewSizer(cfg.MaxPositionPct, cfg.QuantityPrecision),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	state, err := store.LoadRiskState(ctx, cfg.RecentResultsWindow)
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}

	if state == nil {
		state = &types.RiskState{
			CurrentCapital: cfg.InitialCapital,
			InitialCapital: cfg.InitialCapital,
			DailyPnL:       decimal.Zero,
			DailyResetDate: m.today(),
			HighWaterMark:  cfg.InitialCapital,
		}
		if err := store.SaveRiskState(ctx, state, cfg.RecentResultsWindow); err != nil {
			return nil, fmt.Errorf("seed risk state: %w", err)
		}
		log.Info().Str("capital", state.CurrentCapital.StringFixed(2)).Msg("🆕 Risk state seeded")
	} else if !state.InitialCapital.Equal(cfg.InitialCapital) {
		log.Warn().
			Str("stored", state.InitialCapital.StringFixed(2)).
			Str("configured", cfg.InitialCapital.StringFixed(2)).
			Msg("⚠️ Stored initial capital differs from config, keeping stored value")
	}

	m.state = state
	metrics.SetCapital(state.CurrentCapital.InexactFloat64())
	metrics.SetKillSwitch(state.KillSwitchActive)

	log.Info().
		Str("capital", state.CurrentCapital.StringFixed(2)).
		Str("daily_pnl", state.DailyPnL.StringFixed(2)).
		Bool("kill_switch", state.KillSwitchActive).
		Int("trades", state.TradeHistory.Total()).
		Str("max_risk", fmt.Sprintf("%.2f%%", cfg.MaxRiskPerTradePct)).
		Str("daily_dd_limit", fmt.Sprintf("%.2f%%", cfg.MaxDailyDrawdownPct)).
		Msg("🛡️ Risk manager initialized")

	return m, nil
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state.Clone()
}

// Config returns the active limits
func (m *Manager) Config() Config {
	return m.cfg
}

// ═══════════════════════════════════════════════════════════════════════════════
// REALIZED RESULTS
// ═══════════════════════════════════════════════════════════════════════════════

// ApplyRealizedResult books pnl into capital, daily P&L and the recent-results log
func (m *Manager) ApplyRealizedResult(ctx context.Context, pnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Clone()
	m.rollDay(next)
	res := m.applyResult(next, pnl)
	m.checkLossLimits(next)
	return m.commit(ctx, next, res)
}

// RecordTradeOutcome updates the long-run win/loss aggregate
func (m *Manager) RecordTradeOutcome(ctx context.Context, isWin bool, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Clone()
	applyOutcome(next, isWin, amount)
	return m.commit(ctx, next)
}

// RecordClosedTrade applies both the realized result and the outcome in one
// critical section and one transaction.
func (m *Manager) RecordClosedTrade(ctx context.Context, pnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Clone()
	m.rollDay(next)
	res := m.applyResult(next, pnl)
	applyOutcome(next, pnl.IsPositive(), pnl)
	m.checkLossLimits(next)

	if err := m.commit(ctx, next, res); err != nil {
		return err
	}

	log.Info().
		Str("pnl", pnl.StringFixed(2)).
		Str("capital", next.CurrentCapital.StringFixed(2)).
		Str("daily_pnl", next.DailyPnL.StringFixed(2)).
		Int("wins", next.TradeHistory.Wins).
		Int("losses", next.TradeHistory.Losses).
		Msg("📒 Trade booked")
	return nil
}

func (m *Manager) applyResult(s *types.RiskState, pnl decimal.Decimal) types.TradeResult {
	s.CurrentCapital = s.CurrentCapital.Add(pnl)
	s.DailyPnL = s.DailyPnL.Add(pnl)
	if s.CurrentCapital.GreaterThan(s.HighWaterMark) {
		s.HighWaterMark = s.CurrentCapital
	}

	res := types.TradeResult{Win: pnl.IsPositive(), PnL: pnl, At: m.now()}
	s.RecentResults = append(s.RecentResults, res)
	if over := len(s.RecentResults) - m.cfg.RecentResultsWindow; over > 0 {
		s.RecentResults = append([]types.TradeResult(nil), s.RecentResults[over:]...)
	}
	return res
}

func applyOutcome(s *types.RiskState, isWin bool, amount decimal.Decimal) {
	if isWin {
		s.TradeHistory.Wins++
		s.TradeHistory.TotalWinAmount = s.TradeHistory.TotalWinAmount.Add(amount.Abs())
		return
	}
	s.TradeHistory.Losses++
	s.TradeHistory.TotalLossAmount = s.TradeHistory.TotalLossAmount.Add(amount.Abs())
}

// commit persists next and swaps it in. On failure the old state is kept,
// except that a newly activated kill switch is carried over.
func (m *Manager) commit(ctx context.Context, next *types.RiskState, appended ...types.TradeResult) error {
	if err := m.store.SaveRiskState(ctx, next, m.cfg.RecentResultsWindow, appended...); err != nil {
		if next.KillSwitchActive && !m.state.KillSwitchActive {
			prev := m.state.Clone()
			m.state.KillSwitchActive = true
			m.state.KillSwitchReason = next.KillSwitchReason
			m.state.KillSwitchAt = next.KillSwitchAt
			metrics.SetKillSwitch(true)
			m.notifyTransition(prev, m.state)
		}
		log.Error().Err(err).Msg("❌ Risk state commit failed, state unchanged")
		return fmt.Errorf("commit risk state: %w", err)
	}
	prev := m.state
	m.state = next
	m.notifyTransition(prev, next)
	metrics.SetCapital(next.CurrentCapital.InexactFloat64())
	metrics.SetKillSwitch(next.KillSwitchActive)
	return nil
}

func (m *Manager) today() string {
	return m.now().In(m.cfg.location()).Format("2006-01-02")
}
