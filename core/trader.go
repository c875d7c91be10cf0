package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeguard/execution"
	"github.com/web3guy0/tradeguard/feeds"
	"github.com/web3guy0/tradeguard/metrics"
	"github.com/web3guy0/tradeguard/risk"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADER - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Signal → Symbols → Capacity → Volatility → Risk → Entry order → Position
//
// A fill that cannot become a supervised position is flattened at once.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Rejections decided before the risk manager sees the signal
const (
	GateSymbol   = "symbol"
	GateCapacity = "capacity"
	GatePending  = "pending"
)

// ErrEntryFailed wraps entry order failures
var ErrEntryFailed = errors.New("entry order failed")

// RiskGate is the part of risk.Manager the trader uses
type RiskGate interface {
	ValidateAndSize(ctx context.Context, sig *types.TradeSignal) risk.Decision
	Snapshot() types.RiskState
	ActivateKillSwitch(ctx context.Context, reason types.KillSwitchReason) error
	ClearKillSwitch(ctx context.Context) error
}

// PositionManager is the part of execution.Engine the trader uses
type PositionManager interface {
	CanOpenPosition(symbol string) bool
	CreatePosition(ctx context.Context, fill *types.OrderResult, intent types.EntryIntent) (*types.Position, error)
	Positions() []*types.Position
	CloseAll(ctx context.Context, reason types.ExitReason) []error
}

// TraderConfig tunes volatility lookup and gateway calls
type TraderConfig struct {
	ATRInterval    string
	ATRPeriod      int
	GatewayTimeout time.Duration
}

// SignalResult is the outcome of one signal
type SignalResult struct {
	Decision risk.Decision
	Position *types.Position
}

type Trader struct {
	cfg     TraderConfig
	risk    RiskGate
	engine  PositionManager
	market  execution.MarketGateway
	symbols *Symbols

	mu      sync.Mutex
	pending map[string]struct{} // symbols with an entry in flight
}

// NewTrader creates the signal pipeline
func NewTrader(cfg TraderConfig, riskGate RiskGate, engine PositionManager, market execution.MarketGateway, symbols *Symbols) *Trader {
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = feeds.DefaultATRPeriod
	}
	if cfg.ATRInterval == "" {
		cfg.ATRInterval = "1h"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	return &Trader{
		cfg:     cfg,
		risk:    riskGate,
		engine:  engine,
		market:  market,
		symbols: symbols,
		pending: make(map[string]struct{}),
	}
}

// HandleSignal runs a signal through the gates and, when approved, enters
// and registers the position. Rejections are returned as a Decision with a
// nil error; an error means an order or the position registration failed.
func (t *Trader) HandleSignal(ctx context.Context, sig types.TradeSignal) (*SignalResult, error) {
	reject := func(gate, msg string) *SignalResult {
		log.Debug().
			Str("symbol", sig.Symbol).
			Str("gate", gate).
			Str("reason", msg).
			Msg("🚫 Signal rejected")
		metrics.IncRejected(gate)
		return &SignalResult{Decision: risk.Decision{Gate: gate, Reason: msg, Symbol: sig.Symbol, Side: sig.Direction}}
	}

	if t.symbols != nil && !t.symbols.Has(sig.Symbol) {
		return reject(GateSymbol, fmt.Sprintf("symbol %q is not traded", sig.Symbol)), nil
	}
	if !t.engine.CanOpenPosition(sig.Symbol) {
		return reject(GateCapacity, "position limit reached or symbol already open"), nil
	}
	if !t.begin(sig.Symbol) {
		return reject(GatePending, "entry already in flight for symbol"), nil
	}
	defer t.end(sig.Symbol)

	if sig.MarketVolatility == nil {
		sig.MarketVolatility = t.volatility(ctx, sig.Symbol)
	}

	decision := t.risk.ValidateAndSize(ctx, &sig)
	result := &SignalResult{Decision: decision}
	if !decision.Approved {
		return result, nil
	}
	intent := decision.Intent()

	log.Info().
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("qty", intent.Quantity.String()).
		Str("entry", intent.Price.String()).
		Str("sl", intent.StopLoss.String()).
		Str("tp", intent.TakeProfit.String()).
		Str("agent", intent.AgentType).
		Msg("🎯 Entering position")

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.GatewayTimeout)
	fill, err := t.market.ExecuteOrder(callCtx, types.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     intent.Side.EntryOrderSide(),
		Type:     types.OrderMarket,
		Quantity: intent.Quantity,
		Reason:   "entry",
	})
	cancel()
	if err != nil {
		log.Error().Err(err).Str("symbol", intent.Symbol).Msg("❌ Entry order failed")
		return result, fmt.Errorf("%w: %s: %v", ErrEntryFailed, intent.Symbol, err)
	}

	pos, err := t.engine.CreatePosition(ctx, fill, intent)
	if err != nil {
		t.flattenOrphan(ctx, fill, intent, err)
		return result, fmt.Errorf("register position %s: %w", intent.Symbol, err)
	}
	result.Position = pos
	return result, nil
}

func (t *Trader) begin(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.pending[symbol]; busy {
		return false
	}
	t.pending[symbol] = struct{}{}
	return true
}

func (t *Trader) end(symbol string) {
	t.mu.Lock()
	delete(t.pending, symbol)
	t.mu.Unlock()
}

// volatility derives ATR from recent candles; nil falls back to the fixed stop
func (t *Trader) volatility(ctx context.Context, symbol string) *types.Volatility {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.GatewayTimeout)
	defer cancel()

	candles, err := t.market.GetHistoricalData(callCtx, symbol, t.cfg.ATRInterval, t.cfg.ATRPeriod+1)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Klines unavailable, using fallback stop")
		return nil
	}
	return feeds.Volatility(candles, t.cfg.ATRPeriod)
}

// flattenOrphan closes a fill the engine refused to supervise
func (t *Trader) flattenOrphan(ctx context.Context, fill *types.OrderResult, intent types.EntryIntent, cause error) {
	qty := intent.Quantity
	if fill != nil && fill.FilledQty.IsPositive() {
		qty = fill.FilledQty
	}

	log.Error().
		Err(cause).
		Str("symbol", intent.Symbol).
		Str("qty", qty.String()).
		Msg("🚨 Position not registered, flattening fill")

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.GatewayTimeout)
	defer cancel()
	if _, err := t.market.ExecuteOrder(callCtx, types.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     intent.Side.ExitOrderSide(),
		Type:     types.OrderMarket,
		Quantity: qty,
		Reason:   "orphan_flatten",
	}); err != nil {
		log.Error().Err(err).Str("symbol", intent.Symbol).Msg("❌ ORPHAN FILL NOT FLATTENED, manual action required")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

func (t *Trader) RiskSnapshot() types.RiskState {
	return t.risk.Snapshot()
}

func (t *Trader) OpenPositions() []*types.Position {
	return t.engine.Positions()
}

// Halt activates the manual kill switch
func (t *Trader) Halt(ctx context.Context) error {
	return t.risk.ActivateKillSwitch(ctx, types.KillSwitchManual)
}

// Resume clears the kill switch
func (t *Trader) Resume(ctx context.Context) error {
	return t.risk.ClearKillSwitch(ctx)
}

// Flatten closes every open position at market
func (t *Trader) Flatten(ctx context.Context) []error {
	return t.engine.CloseAll(ctx, types.ExitManual)
}
