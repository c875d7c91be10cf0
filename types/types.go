package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short and buy/sell in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSide(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EntryOrderSide is the order side that opens a position in this direction
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitOrderSide is the order side that flattens a position in this direction
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// Status is the lifecycle state of a position
type Status string

const (
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitStopLoss        ExitReason = "stop_loss"
	ExitTakeProfit      ExitReason = "take_profit"
	ExitTrailingStop    ExitReason = "trailing_stop"
	ExitManual          ExitReason = "manual"
	ExitRecoveredClosed ExitReason = "recovered_closed"
	ExitError           ExitReason = "error"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION
// ═══════════════════════════════════════════════════════════════════════════════

// Position is one open or closed trade. The persisted shape is also the
// shape returned to status callers.
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	EntryPrice   decimal.Decimal `json:"entryPrice"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryTime    time.Time       `json:"entryTime"`
	EntryOrderID string          `json:"entryOrderId"`
	Confidence   float64         `json:"confidence"`
	AgentType    string          `json:"agentType"`

	StopLoss                decimal.Decimal `json:"stopLoss"`
	TakeProfit              decimal.Decimal `json:"takeProfit"` // zero = no target
	InitialStopLoss         decimal.Decimal `json:"initialStopLoss"`
	TrailingActive          bool            `json:"trailingActive"`
	TrailingDistancePercent decimal.Decimal `json:"trailingDistancePercent"`
	LastStopUpdate          time.Time       `json:"lastStopUpdateTime"`

	OCOGroupID    string `json:"ocoGroupId,omitempty"`
	StopOrderID   string `json:"stopOrderId,omitempty"`
	TargetOrderID string `json:"targetOrderId,omitempty"`

	ExitPrice          decimal.Decimal `json:"exitPrice"`
	ExitTime           time.Time       `json:"exitTime"`
	ExitReason         ExitReason      `json:"exitReason,omitempty"`
	ExitOrderID        string          `json:"exitOrderId,omitempty"`
	RealizedPnL        decimal.Decimal `json:"realizedPnl"`
	RealizedPnLPercent decimal.Decimal `json:"realizedPnlPercent"`

	Status Status `json:"status"`
}

// Clone returns an independent copy (all fields are values)
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// HasTarget reports whether a take-profit level is set
func (p *Position) HasTarget() bool {
	return p.TakeProfit.IsPositive()
}

// HasProtection reports whether exchange-side protective orders are linked
func (p *Position) HasProtection() bool {
	return p.OCOGroupID != "" || p.StopOrderID != ""
}

// IsLive is true for pending, open and closing positions
func (p *Position) IsLive() bool {
	return p.Status != StatusClosed
}

// Notional is entry price times quantity
func (p *Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// PnLAt returns the P&L and P&L percent (relative to entry) if closed at price
func (p *Position) PnLAt(price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(p.Quantity)
	pct := decimal.Zero
	if p.EntryPrice.IsPositive() {
		pct = diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
	}
	return pnl, pct
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// Volatility is the market volatility snapshot attached to a signal
type Volatility struct {
	ATR        decimal.Decimal `json:"atr"`
	ATRPercent float64         `json:"atrPercent"`
}

// TradeSignal is produced by an external decision process
type TradeSignal struct {
	Symbol           string           `json:"symbol"`
	Direction        Side             `json:"direction"`
	CurrentPrice     decimal.Decimal  `json:"currentPrice"`
	SuggestedStop    *decimal.Decimal `json:"suggestedStop,omitempty"`
	SuggestedTarget  *decimal.Decimal `json:"suggestedTarget,omitempty"`
	Confidence       float64          `json:"confidence"`
	MarketVolatility *Volatility      `json:"marketVolatility,omitempty"`
	AgentType        string           `json:"agentType,omitempty"`
}

// Validate rejects malformed signals at the boundary
func (s *TradeSignal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if s.Direction != SideLong && s.Direction != SideShort {
		return fmt.Errorf("invalid direction %q", s.Direction)
	}
	if !s.CurrentPrice.IsPositive() {
		return fmt.Errorf("current price must be positive")
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	if s.MarketVolatility != nil && s.MarketVolatility.ATR.IsNegative() {
		return fmt.Errorf("atr must not be negative")
	}
	if s.SuggestedStop != nil && !s.SuggestedStop.IsPositive() {
		return fmt.Errorf("suggested stop must be positive")
	}
	if s.SuggestedTarget != nil && !s.SuggestedTarget.IsPositive() {
		return fmt.Errorf("suggested target must be positive")
	}
	return nil
}

// ATR returns the signal's ATR or zero when absent
func (s *TradeSignal) ATR() decimal.Decimal {
	if s.MarketVolatility == nil {
		return decimal.Zero
	}
	return s.MarketVolatility.ATR
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS & PROTECTION
// ═══════════════════════════════════════════════════════════════════════════════

type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest is what the caller asks the market gateway to execute
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // limit only
	Reason   string
}

// OrderResult is the gateway's report of an executed order. Zero price or
// quantity means the gateway did not report it.
type OrderResult struct {
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	FilledQty decimal.Decimal `json:"filledQty"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	Fee       decimal.Decimal `json:"fee"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// EntryIntent is the approved trade as submitted, used when the fill omits data
type EntryIntent struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Confidence float64
	AgentType  string
}

// ProtectiveRequest asks the order gateway for a stop plus optional target
type ProtectiveRequest struct {
	PositionID string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal // zero = stop only
}

// ProtectiveOrders links a position to its exchange-side orders
type ProtectiveOrders struct {
	GroupID       string
	StopOrderID   string
	TargetOrderID string
}

type ProtectionState string

const (
	ProtectionActive   ProtectionState = "active"
	ProtectionTPFilled ProtectionState = "tp_filled"
	ProtectionSLFilled ProtectionState = "sl_filled"
	ProtectionUnknown  ProtectionState = "unknown"
)

// ProtectionStatus is the order gateway's view of a position's protection
type ProtectionStatus struct {
	State     ProtectionState
	FillPrice decimal.Decimal
	OrderID   string
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE
// ═══════════════════════════════════════════════════════════════════════════════

// TradeStats is the long-run win/loss aggregate used for sizing
type TradeStats struct {
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	TotalWinAmount  decimal.Decimal `json:"totalWinAmount"`
	TotalLossAmount decimal.Decimal `json:"totalLossAmount"`
}

func (t TradeStats) Total() int {
	return t.Wins + t.Losses
}

// WinRate is wins / total, 0 with no history
func (t TradeStats) WinRate() float64 {
	if t.Total() == 0 {
		return 0
	}
	return float64(t.Wins) / float64(t.Total())
}

// TradeResult is one entry of the recent-results log
type TradeResult struct {
	Win bool            `json:"win"`
	PnL decimal.Decimal `json:"pnl"`
	At  time.Time       `json:"at"`
}

type KillSwitchReason string

const (
	KillSwitchNone          KillSwitchReason = ""
	KillSwitchDailyDrawdown KillSwitchReason = "daily_drawdown"
	KillSwitchTotalLoss     KillSwitchReason = "total_loss"
	KillSwitchManual        KillSwitchReason = "manual"
)

// RiskState is the process-wide risk posture
type RiskState struct {
	CurrentCapital   decimal.Decimal  `json:"currentCapital"`
	InitialCapital   decimal.Decimal  `json:"initialCapital"`
	DailyPnL         decimal.Decimal  `json:"dailyPnl"`
	DailyResetDate   string           `json:"dailyResetDate"` // YYYY-MM-DD in the configured timezone
	KillSwitchActive bool             `json:"killSwitchActive"`
	KillSwitchReason KillSwitchReason `json:"killSwitchReason,omitempty"`
	KillSwitchAt     time.Time        `json:"killSwitchAt"`
	HighWaterMark    decimal.Decimal  `json:"highWaterMark"`
	TradeHistory     TradeStats       `json:"tradeHistory"`
	RecentResults    []TradeResult    `json:"recentResults"` // most recent last
}

// Clone deep-copies the state
func (s *RiskState) Clone() *RiskState {
	c := *s
	c.RecentResults = append([]TradeResult(nil), s.RecentResults...)
	return &c
}

// LossStreak counts consecutive losses at the end of RecentResults
func (s *RiskState) LossStreak() int {
	n := 0
	for i := len(s.RecentResults) - 1; i >= 0; i-- {
		if s.RecentResults[i].Win {
			break
		}
		n++
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

type EventType string

const (
	EventPositionOpened      EventType = "position_opened"
	EventStopHit             EventType = "stop_hit"
	EventTargetHit           EventType = "target_hit"
	EventPositionClosed      EventType = "position_closed"
	EventTrailingUpdated     EventType = "trailing_updated"
	EventKillSwitchActivated EventType = "kill_switch_activated"
	EventKillSwitchCleared   EventType = "kill_switch_cleared"
	EventRecovery            EventType = "recovery"
	EventBookingFailed       EventType = "booking_failed"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Event is a fire-and-forget notification
type Event struct {
	Type       EventType
	Priority   Priority
	Symbol     string
	PositionID string
	Message    string
	Position   *Position
	Time       time.Time
}

// Notifier receives events. Implementations must not block the caller.
type Notifier interface {
	Notify(Event)
}

// NopNotifier drops every event
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
