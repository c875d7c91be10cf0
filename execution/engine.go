package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/metrics"
	"github.com/web3guy0/tradeguard/storage"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION ENGINE - Lifecycle supervisor
// ═══════════════════════════════════════════════════════════════════════════════
//
// pending → open → closing → closed
//
// Locks: e.mu guards the position maps; each tracked position has its own
// mutex for stop updates and closes. Order is always tracked.mu → e.mu,
// and tracked.mu → bookMu.
// Readers take the current *types.Position from an atomic pointer; writers
// replace it with a committed copy.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrPositionLimit    = errors.New("max concurrent positions reached")
	ErrSymbolOpen       = errors.New("symbol already has an open position")
	ErrPositionNotFound = errors.New("position not tracked")
	ErrNotOpen          = errors.New("position is not open")
	ErrInvalidFill      = errors.New("fill has no usable price or quantity")
)

type tracked struct {
	mu  sync.Mutex
	pos atomic.Pointer[types.Position]

	inFlight           atomic.Bool
	lastProtectAttempt time.Time // guarded by mu
}

type unbookedTrade struct {
	id     string
	symbol string
	pnl    decimal.Decimal
}

type Engine struct {
	cfg      Config
	market   MarketGateway
	orders   OrderGateway
	prices   PriceSource
	store    PositionStore
	risk     RiskRecorder
	notifier types.Notifier
	now      func() time.Time
	newID    func() string

	mu        sync.RWMutex
	positions map[string]*tracked // by id
	bySymbol  map[string]string   // symbol → id

	bookMu   sync.Mutex
	unbooked []unbookedTrade // closed in store, not yet in risk state

	monMu    sync.Mutex
	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	checks   sync.WaitGroup
}

// Option customizes an Engine
type Option func(*Engine)

func WithPriceSource(p PriceSource) Option { return func(e *Engine) { e.prices = p } }
func WithNotifier(n types.Notifier) Option  { return func(e *Engine) { e.notifier = n } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine wires the engine to its collaborators
func NewEngine(cfg Config, market MarketGateway, orders OrderGateway, store PositionStore, risk RiskRecorder, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		market:    market,
		orders:    orders,
		store:     store,
		risk:      risk,
		notifier:  types.NopNotifier{},
		now:       time.Now,
		newID:     uuid.NewString,
		positions: make(map[string]*tracked),
		bySymbol:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	log.Info().
		Int("max_positions", cfg.MaxConcurrentPositions).
		Str("protection", string(cfg.ProtectionMode)).
		Dur("interval", cfg.MonitorInterval).
		Float64("trail_activation", cfg.TrailingActivationPct).
		Float64("trail_distance", cfg.TrailingDistancePct).
		Msg("🎯 Position engine initialized")

	return e, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CAPACITY
// ═══════════════════════════════════════════════════════════════════════════════

// CanOpenPosition is true when there is room and symbol is free
func (e *Engine) CanOpenPosition(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, taken := e.bySymbol[symbol]
	return len(e.positions) < e.cfg.MaxConcurrentPositions && !taken
}

// reserve claims a slot for a pending position; t must already be locked
func (e *Engine) reserve(t *tracked, pos *types.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.positions) >= e.cfg.MaxConcurrentPositions {
		return ErrPositionLimit
	}
	if _, taken := e.bySymbol[pos.Symbol]; taken {
		return ErrSymbolOpen
	}
	t.pos.Store(pos)
	e.positions[pos.ID] = t
	e.bySymbol[pos.Symbol] = pos.ID
	return nil
}

func (e *Engine) release(pos *types.Position) {
	e.mu.Lock()
	delete(e.positions, pos.ID)
	if e.bySymbol[pos.Symbol] == pos.ID {
		delete(e.bySymbol, pos.Symbol)
	}
	n := len(e.positions)
	e.mu.Unlock()
	metrics.SetPositionsOpen(n)
}

func (e *Engine) lookup(id string) (*tracked, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.positions[id]
	return t, ok
}

// ═══════════════════════════════════════════════════════════════════════════════
// CREATE
// ═══════════════════════════════════════════════════════════════════════════════

// CreatePosition registers a filled entry. On a capacity failure it returns
// ErrPositionLimit or ErrSymbolOpen and changes nothing.
func (e *Engine) CreatePosition(ctx context.Context, fill *types.OrderResult, intent types.EntryIntent) (*types.Position, error) {
	price, qty := intent.Price, intent.Quantity
	entryOrderID := ""
	if fill != nil {
		if fill.AvgPrice.IsPositive() {
			price = fill.AvgPrice
		}
		if fill.FilledQty.IsPositive() {
			qty = fill.FilledQty
		}
		entryOrderID = fill.OrderID
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return nil, ErrInvalidFill
	}

	now := e.now()
	pos := &types.Position{
		ID:                      e.newID(),
		Symbol:                  intent.Symbol,
		Side:                    intent.Side,
		EntryPrice:              price,
		Quantity:                qty,
		EntryTime:               now,
		EntryOrderID:            entryOrderID,
		Confidence:              intent.Confidence,
		AgentType:               intent.AgentType,
		StopLoss:                intent.StopLoss,
		TakeProfit:              intent.TakeProfit,
		InitialStopLoss:         intent.StopLoss,
		TrailingDistancePercent: decimal.NewFromFloat(e.cfg.TrailingDistancePct),
		LastStopUpdate:          now,
		Status:                  types.StatusPending,
	}

	t := &tracked{}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := e.reserve(t, pos); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("🚫 Position rejected")
		return nil, err
	}

	open := pos.Clone()
	open.Status = types.StatusOpen
	if err := e.store.SavePosition(ctx, open); err != nil {
		e.release(pos)
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("❌ Failed to persist position")
		return nil, fmt.Errorf("persist position: %w", err)
	}
	t.pos.Store(open)

	if (open.Side == types.SideLong && !open.StopLoss.LessThan(open.EntryPrice)) ||
		(open.Side == types.SideShort && !open.StopLoss.GreaterThan(open.EntryPrice)) {
		log.Warn().Str("id", open.ID).Str("stop", open.StopLoss.String()).Str("entry", open.EntryPrice.String()).
			Msg("⚠️ Fill crossed the stop, position will exit on next check")
	}

	if e.cfg.ProtectionMode == ProtectionExchange {
		e.placeProtection(ctx, t)
	}

	cur := t.pos.Load()
	e.mu.RLock()
	n := len(e.positions)
	e.mu.RUnlock()
	metrics.SetPositionsOpen(n)

	log.Info().
		Str("id", cur.ID).
		Str("symbol", cur.Symbol).
		Str("side", string(cur.Side)).
		Str("entry", cur.EntryPrice.String()).
		Str("qty", cur.Quantity.String()).
		Str("sl", cur.StopLoss.String()).
		Str("tp", cur.TakeProfit.String()).
		Bool("protected", cur.HasProtection()).
		Msg("📈 Position opened")

	e.emit(types.EventPositionOpened, cur, fmt.Sprintf("%s %s %s @ %s (sl %s, tp %s)",
		cur.Side, cur.Quantity, cur.Symbol, cur.EntryPrice, cur.StopLoss, cur.TakeProfit))

	return cur.Clone(), nil
}

// placeProtection places stop/target orders; t.mu must be held. Failures
// are logged and left to the monitoring loop.
func (e *Engine) placeProtection(ctx context.Context, t *tracked) {
	pos := t.pos.Load()
	t.lastProtectAttempt = e.now()

	cctx, cancel := e.callCtx(ctx)
	orders, err := e.orders.PlaceProtective(cctx, types.ProtectiveRequest{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	})
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("id", pos.ID).Msg("⚠️ Protective orders not placed, local triggers active")
		return
	}

	next := pos.Clone()
	next.OCOGroupID = orders.GroupID
	next.StopOrderID = orders.StopOrderID
	next.TargetOrderID = orders.TargetOrderID

	if err := e.store.UpdateProtection(e.commitCtx(ctx), pos.ID, *orders); err != nil {
		// the orders exist on the exchange either way; keep the linkage in memory
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Protective linkage not persisted")
	}
	t.pos.Store(next)

	log.Info().
		Str("id", pos.ID).
		Str("group", orders.GroupID).
		Str("stop_order", orders.StopOrderID).
		Str("target_order", orders.TargetOrderID).
		Msg("🛡️ Protective orders placed")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSE
// ═══════════════════════════════════════════════════════════════════════════════

// ClosePosition closes a tracked position at exitPrice
func (e *Engine) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, reason types.ExitReason, exitOrderID string) error {
	t, ok := e.lookup(id)
	if !ok {
		return ErrPositionNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.closeLocked(ctx, t, exitPrice, reason, exitOrderID, true)
}

// closeLocked runs the close critical section; t.mu must be held. On a
// store failure the position goes back to open and stays supervised.
func (e *Engine) closeLocked(ctx context.Context, t *tracked, exitPrice decimal.Decimal, reason types.ExitReason, exitOrderID string, cancelProtection bool) error {
	cur := t.pos.Load()
	if cur.Status != types.StatusOpen {
		return ErrNotOpen
	}

	closing := cur.Clone()
	closing.Status = types.StatusClosing
	t.pos.Store(closing)

	if cancelProtection && cur.HasProtection() {
		e.cancelProtection(ctx, cur)
	}

	exitTime := e.now()
	if exitTime.Before(cur.EntryTime) {
		exitTime = cur.EntryTime
	}
	pnl, pct := cur.PnLAt(exitPrice)

	closed := closing.Clone()
	closed.ExitPrice = exitPrice
	closed.ExitTime = exitTime
	closed.ExitReason = reason
	closed.ExitOrderID = exitOrderID
	closed.RealizedPnL = pnl
	closed.RealizedPnLPercent = pct.Round(4)
	closed.Status = types.StatusClosed

	if err := e.store.ClosePosition(e.commitCtx(ctx), closed); err != nil {
		if errors.Is(err, storage.ErrPositionClosed) {
			t.pos.Store(closed)
			e.release(closed)
			log.Warn().Str("id", cur.ID).Msg("⚠️ Position already closed in store, dropped from supervision")
			return err
		}
		t.pos.Store(cur)
		log.Error().Err(err).Str("id", cur.ID).Msg("❌ Close not persisted, position stays open")
		return fmt.Errorf("persist close: %w", err)
	}

	t.pos.Store(closed)
	e.release(closed)

	e.book(ctx, closed, pnl)
	metrics.IncClosed(string(reason), string(cur.Side), pnl.InexactFloat64())

	emoji := "✅"
	if pnl.IsNegative() {
		emoji = "❌"
	}
	log.Info().
		Str("id", cur.ID).
		Str("symbol", cur.Symbol).
		Str("reason", string(reason)).
		Str("entry", cur.EntryPrice.String()).
		Str("exit", exitPrice.String()).
		Str("pnl", pnl.StringFixed(4)).
		Str("pnl_pct", pct.StringFixed(2)).
		Dur("held", exitTime.Sub(cur.EntryTime)).
		Msg(emoji + " Position closed")

	switch reason {
	case types.ExitStopLoss, types.ExitTrailingStop:
		e.emit(types.EventStopHit, closed, fmt.Sprintf("%s %s stop hit at %s", cur.Symbol, cur.Side, exitPrice))
	case types.ExitTakeProfit:
		e.emit(types.EventTargetHit, closed, fmt.Sprintf("%s %s target hit at %s", cur.Symbol, cur.Side, exitPrice))
	}
	e.emit(types.EventPositionClosed, closed, fmt.Sprintf("%s %s closed (%s) pnl %s (%s%%)",
		cur.Symbol, cur.Side, reason, pnl.StringFixed(2), pct.StringFixed(2)))
	return nil
}

func (e *Engine) cancelProtection(ctx context.Context, pos *types.Position) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	if err := e.orders.CancelProtective(cctx, pos.ID, pos.Symbol); err != nil {
		log.Warn().Err(err).Str("id", pos.ID).Msg("⚠️ Cancel protective orders failed")
	}
}

// CloseAll flattens every open position at market
func (e *Engine) CloseAll(ctx context.Context, reason types.ExitReason) []error {
	var errs []error
	for _, pos := range e.Positions() {
		if pos.Status != types.StatusOpen {
			continue
		}
		t, ok := e.lookup(pos.ID)
		if !ok {
			continue
		}
		t.mu.Lock()
		price, err := e.currentPrice(ctx, pos.Symbol)
		if err == nil {
			err = e.flattenLocked(ctx, t, price, reason)
		}
		t.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pos.Symbol, err))
		}
	}
	return errs
}

// flattenLocked cancels protection, sends a market close and books the exit.
// t.mu must be held.
func (e *Engine) flattenLocked(ctx context.Context, t *tracked, price decimal.Decimal, reason types.ExitReason) error {
	pos := t.pos.Load()
	if pos.Status != types.StatusOpen {
		return ErrNotOpen
	}
	if pos.HasProtection() {
		e.cancelProtection(ctx, pos)
	}

	cctx, cancel := e.callCtx(ctx)
	res, err := e.orders.PlaceMarketClose(cctx, pos.Symbol, pos.Side, pos.Quantity, reason)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("id", pos.ID).Str("reason", string(reason)).Msg("❌ Market close failed, retry next tick")
		return fmt.Errorf("market close: %w", err)
	}

	exitPrice, orderID := price, ""
	if res != nil {
		if res.AvgPrice.IsPositive() {
			exitPrice = res.AvgPrice
		}
		orderID = res.OrderID
	}
	return e.closeLocked(ctx, t, exitPrice, reason, orderID, false)
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// Positions returns copies of every tracked position, oldest first
func (e *Engine) Positions() []*types.Position {
	e.mu.RLock()
	out := make([]*types.Position, 0, len(e.positions))
	for _, t := range e.positions {
		out = append(out, t.pos.Load().Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Position returns a copy of one tracked position
func (e *Engine) Position(id string) (*types.Position, bool) {
	t, ok := e.lookup(id)
	if !ok {
		return nil, false
	}
	return t.pos.Load().Clone(), true
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.GatewayTimeout)
}

// commitCtx detaches store writes from shutdown so a started commit finishes
func (e *Engine) commitCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// currentPrice prefers a fresh push price, else asks the market gateway
func (e *Engine) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.prices != nil {
		if p, at, ok := e.prices.Latest(symbol); ok && p.IsPositive() && e.now().Sub(at) <= e.cfg.PriceMaxAge {
			return p, nil
		}
	}
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	p, err := e.market.GetCurrentPrice(cctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK BOOKING
// ═══════════════════════════════════════════════════════════════════════════════

// book records a closed trade in the risk state. Trades that fail to book
// stay queued and are replayed in close order by later closes and ticks.
func (e *Engine) book(ctx context.Context, pos *types.Position, pnl decimal.Decimal) {
	e.bookMu.Lock()
	e.unbooked = append(e.unbooked, unbookedTrade{id: pos.ID, symbol: pos.Symbol, pnl: pnl})
	err := e.drainBookingsLocked(ctx)
	pending := len(e.unbooked)
	e.bookMu.Unlock()
	if err == nil {
		return
	}

	log.Error().Err(err).Str("id", pos.ID).Str("pnl", pnl.String()).Int("pending", pending).
		Msg("❌ Realized result not booked in risk state, will retry")
	e.notifier.Notify(types.Event{
		Type:       types.EventBookingFailed,
		Priority:   types.PriorityHigh,
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
		Message: fmt.Sprintf("%s pnl %s closed but not booked in risk state (%d pending): %v",
			pos.Symbol, pnl.StringFixed(2), pending, err),
		Time: e.now(),
	})
}

// PendingBookings is the number of closed trades not yet in the risk state
func (e *Engine) PendingBookings() int {
	e.bookMu.Lock()
	defer e.bookMu.Unlock()
	return len(e.unbooked)
}

func (e *Engine) retryBookings(ctx context.Context) {
	e.bookMu.Lock()
	defer e.bookMu.Unlock()
	if len(e.unbooked) == 0 {
		return
	}
	if err := e.drainBookingsLocked(ctx); err != nil {
		log.Debug().Err(err).Int("pending", len(e.unbooked)).Msg("Risk booking still failing")
		return
	}
	log.Info().Msg("✅ Deferred trades booked in risk state")
}

func (e *Engine) drainBookingsLocked(ctx context.Context) error {
	for len(e.unbooked) > 0 {
		b := e.unbooked[0]
		if err := e.risk.RecordClosedTrade(e.commitCtx(ctx), b.pnl); err != nil {
			return fmt.Errorf("book %s %s: %w", b.symbol, b.id, err)
		}
		e.unbooked = e.unbooked[1:]
	}
	return nil
}

func (e *Engine) emit(t types.EventType, pos *types.Position, msg string) {
	e.notifier.Notify(types.Event{
		Type:       t,
		Priority:   types.PriorityNormal,
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
		Message:    msg,
		Position:   pos.Clone(),
		Time:       e.now(),
	})
}
