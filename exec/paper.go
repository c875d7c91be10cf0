package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER GATEWAY - Simulated execution on live prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fills market orders at the live price plus slippage, charges a taker fee
// and keeps balances per asset. Protective orders are simulated: a stop or
// target fills when CheckStatus observes the price crossing it.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoProtection        = errors.New("no protective orders for position")
)

var (
	hundred = decimal.NewFromInt(100)
	bpsBase = decimal.NewFromInt(10000)
)

// MarketData is the live price and kline source; feeds.BinanceREST implements it
type MarketData interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

type PaperConfig struct {
	QuoteAsset     string
	StartingQuote  decimal.Decimal
	SlippageBps    decimal.Decimal
	FeePct         decimal.Decimal
	AllowShortSell bool // base balances may go negative
}

type paperOCO struct {
	symbol string
	side   types.Side
	qty    decimal.Decimal
	stop   decimal.Decimal
	target decimal.Decimal
	orders types.ProtectiveOrders
	state  types.ProtectionState
	fill   decimal.Decimal
	fillID string
}

// PaperGateway implements both the market and order gateways
type PaperGateway struct {
	mu       sync.Mutex
	data     MarketData
	cfg      PaperConfig
	balances map[string]decimal.Decimal
	oco      map[string]*paperOCO // by position id
}

func NewPaperGateway(data MarketData, cfg PaperConfig) *PaperGateway {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	g := &PaperGateway{
		data:     data,
		cfg:      cfg,
		balances: map[string]decimal.Decimal{cfg.QuoteAsset: cfg.StartingQuote},
		oco:      make(map[string]*paperOCO),
	}

	log.Info().
		Str("mode", "PAPER").
		Str("quote", cfg.QuoteAsset).
		Str("balance", cfg.StartingQuote.StringFixed(2)).
		Str("slippage_bps", cfg.SlippageBps.String()).
		Msg("🚀 Execution gateway initialized")

	return g
}

// Restore credits the base holdings of positions persisted by a previous
// run, so startup recovery sees them as still held
func (g *PaperGateway) Restore(positions []*types.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range positions {
		base := g.baseAsset(p.Symbol)
		if p.Side == types.SideShort {
			g.balances[base] = g.balances[base].Sub(p.Quantity)
		} else {
			g.balances[base] = g.balances[base].Add(p.Quantity)
		}
	}
	if len(positions) > 0 {
		log.Info().Int("positions", len(positions)).Msg("📄 Paper holdings restored")
	}
}

func (g *PaperGateway) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, g.cfg.QuoteAsset)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET
// ═══════════════════════════════════════════════════════════════════════════════

func (g *PaperGateway) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.data.Price(ctx, symbol)
}

func (g *PaperGateway) GetHistoricalData(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	return g.data.Klines(ctx, symbol, interval, limit)
}

// GetBalance returns a copy of all asset balances
func (g *PaperGateway) GetBalance(context.Context) (map[string]decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(g.balances))
	for k, v := range g.balances {
		out[k] = v
	}
	return out, nil
}

// ExecuteOrder fills a market order at the live price with slippage
func (g *PaperGateway) ExecuteOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if req.Type != "" && req.Type != types.OrderMarket {
		return nil, fmt.Errorf("paper gateway supports market orders only")
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive")
	}
	price, err := g.data.Price(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", req.Symbol, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fillLocked(req.Symbol, req.Side, req.Quantity, g.slip(price, req.Side), req.Reason)
}

func (g *PaperGateway) slip(price decimal.Decimal, side types.OrderSide) decimal.Decimal {
	adj := price.Mul(g.cfg.SlippageBps).Div(bpsBase)
	if side == types.OrderBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

// fillLocked books a fill against balances; g.mu must be held
func (g *PaperGateway) fillLocked(symbol string, side types.OrderSide, qty, price decimal.Decimal, reason string) (*types.OrderResult, error) {
	base := g.baseAsset(symbol)
	notional := qty.Mul(price)
	fee := notional.Mul(g.cfg.FeePct).Div(hundred)

	switch side {
	case types.OrderBuy:
		if g.balances[g.cfg.QuoteAsset].LessThan(notional.Add(fee)) {
			return nil, ErrInsufficientBalance
		}
		g.balances[g.cfg.QuoteAsset] = g.balances[g.cfg.QuoteAsset].Sub(notional).Sub(fee)
		g.balances[base] = g.balances[base].Add(qty)
	case types.OrderSell:
		if !g.cfg.AllowShortSell && g.balances[base].LessThan(qty) {
			return nil, ErrInsufficientBalance
		}
		g.balances[base] = g.balances[base].Sub(qty)
		g.balances[g.cfg.QuoteAsset] = g.balances[g.cfg.QuoteAsset].Add(notional).Sub(fee)
	default:
		return nil, fmt.Errorf("invalid order side %q", side)
	}

	res := &types.OrderResult{
		OrderID:   "paper-" + uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		FilledQty: qty,
		AvgPrice:  price,
		Fee:       fee,
		Status:    "FILLED",
		Timestamp: time.Now().UTC(),
	}

	log.Info().
		Str("order_id", res.OrderID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("price", price.String()).
		Str("qty", qty.String()).
		Str("reason", reason).
		Msg("📝 PAPER: Order filled")

	return res, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROTECTIVE ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

func (g *PaperGateway) PlaceProtective(_ context.Context, req types.ProtectiveRequest) (*types.ProtectiveOrders, error) {
	if !req.StopLoss.IsPositive() || !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("invalid protective request")
	}

	orders := types.ProtectiveOrders{
		GroupID:     "oco-" + uuid.NewString(),
		StopOrderID: "sl-" + uuid.NewString(),
	}
	if req.TakeProfit.IsPositive() {
		orders.TargetOrderID = "tp-" + uuid.NewString()
	}

	g.mu.Lock()
	g.oco[req.PositionID] = &paperOCO{
		symbol: req.Symbol,
		side:   req.Side,
		qty:    req.Quantity,
		stop:   req.StopLoss,
		target: req.TakeProfit,
		orders: orders,
		state:  types.ProtectionActive,
	}
	g.mu.Unlock()

	log.Info().Str("position", req.PositionID).Str("group", orders.GroupID).Msg("📝 PAPER: Protective orders placed")
	return &orders, nil
}

// CancelProtective removes a position's protection; unknown ids are a no-op
func (g *PaperGateway) CancelProtective(_ context.Context, positionID, _ string) error {
	g.mu.Lock()
	delete(g.oco, positionID)
	g.mu.Unlock()
	return nil
}

func (g *PaperGateway) UpdateStop(_ context.Context, positionID, _ string, newStop decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.oco[positionID]
	if !ok || o.state != types.ProtectionActive {
		return ErrNoProtection
	}
	o.stop = newStop
	return nil
}

// CheckStatus reports fills, triggering any level the live price has crossed
func (g *PaperGateway) CheckStatus(ctx context.Context, positionID, _ string) (*types.ProtectionStatus, error) {
	g.mu.Lock()
	o, ok := g.oco[positionID]
	if !ok {
		g.mu.Unlock()
		return &types.ProtectionStatus{State: types.ProtectionUnknown}, nil
	}
	if o.state != types.ProtectionActive {
		st := &types.ProtectionStatus{State: o.state, FillPrice: o.fill, OrderID: o.fillID}
		g.mu.Unlock()
		return st, nil
	}
	symbol := o.symbol
	g.mu.Unlock()

	price, err := g.data.Price(ctx, symbol)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok = g.oco[positionID]
	if !ok {
		return &types.ProtectionStatus{State: types.ProtectionUnknown}, nil
	}
	if o.state == types.ProtectionActive {
		g.triggerLocked(o, price)
	}
	return &types.ProtectionStatus{State: o.state, FillPrice: o.fill, OrderID: o.fillID}, nil
}

func (g *PaperGateway) triggerLocked(o *paperOCO, price decimal.Decimal) {
	long := o.side != types.SideShort

	var state types.ProtectionState
	var level decimal.Decimal
	var orderID string
	switch {
	case long && price.LessThanOrEqual(o.stop), !long && price.GreaterThanOrEqual(o.stop):
		state, level, orderID = types.ProtectionSLFilled, o.stop, o.orders.StopOrderID
	case o.target.IsPositive() && (long && price.GreaterThanOrEqual(o.target) || !long && price.LessThanOrEqual(o.target)):
		state, level, orderID = types.ProtectionTPFilled, o.target, o.orders.TargetOrderID
	default:
		return
	}

	// stops fill at the observed price (gaps fill worse), targets at the limit
	fillPrice := level
	if state == types.ProtectionSLFilled {
		fillPrice = price
	}
	res, err := g.fillLocked(o.symbol, o.side.ExitOrderSide(), o.qty, fillPrice, string(state))
	if err != nil {
		log.Warn().Err(err).Str("symbol", o.symbol).Msg("⚠️ PAPER: protective fill rejected")
		return
	}
	o.state, o.fill, o.fillID = state, res.AvgPrice, orderID
}

// PlaceMarketClose flattens qty at market
func (g *PaperGateway) PlaceMarketClose(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reason types.ExitReason) (*types.OrderResult, error) {
	return g.ExecuteOrder(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     side.ExitOrderSide(),
		Type:     types.OrderMarket,
		Quantity: qty,
		Reason:   string(reason),
	})
}
