package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

const riskStateRowID = 1

// Models

type PositionRecord struct {
	ID     string `gorm:"primaryKey"`
	Symbol string `gorm:"index"`
	Side   string

	EntryPrice   decimal.Decimal `gorm:"type:decimal(30,10)"`
	Quantity     decimal.Decimal `gorm:"type:decimal(30,10)"`
	EntryTime    time.Time
	EntryOrderID string
	Confidence   float64
	AgentType    string

	StopLoss                decimal.Decimal `gorm:"type:decimal(30,10)"`
	TakeProfit              decimal.Decimal `gorm:"type:decimal(30,10)"`
	InitialStopLoss         decimal.Decimal `gorm:"type:decimal(30,10)"`
	TrailingActive          bool
	TrailingDistancePercent decimal.Decimal `gorm:"type:decimal(10,4)"`
	LastStopUpdate          time.Time `gorm:"column:last_stop_update"`

	OCOGroupID    string `gorm:"column:oco_group_id"`
	StopOrderID   string `gorm:"column:stop_order_id"`
	TargetOrderID string `gorm:"column:target_order_id"`

	ExitPrice          decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExitTime           time.Time
	ExitReason         string
	ExitOrderID        string
	RealizedPnL        decimal.Decimal `gorm:"type:decimal(30,10)"`
	RealizedPnLPercent decimal.Decimal `gorm:"type:decimal(10,4)"`

	Status    string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PositionRecord) TableName() string { return "positions" }

// TradeHistoryRecord is the append-only log of closes, one row per position
type TradeHistoryRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	PositionID  string `gorm:"uniqueIndex"`
	Symbol      string `gorm:"index"`
	Side        string
	AgentType   string
	EntryPrice  decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(30,10)"`
	Quantity    decimal.Decimal `gorm:"type:decimal(30,10)"`
	PnL         decimal.Decimal `gorm:"type:decimal(30,10)"`
	PnLPercent  decimal.Decimal `gorm:"type:decimal(10,4)"`
	ExitReason  string
	EntryTime   time.Time
	ExitTime    time.Time
	HoldSeconds int64
	CreatedAt   time.Time
}

func (TradeHistoryRecord) TableName() string { return "trade_history" }

type RiskStateRecord struct {
	ID               uint            `gorm:"primaryKey"`
	CurrentCapital   decimal.Decimal `gorm:"type:decimal(30,10)"`
	InitialCapital   decimal.Decimal `gorm:"type:decimal(30,10)"`
	DailyPnL         decimal.Decimal `gorm:"type:decimal(30,10)"`
	DailyResetDate   string
	KillSwitchActive bool
	KillSwitchReason string
	KillSwitchAt     time.Time
	HighWaterMark    decimal.Decimal `gorm:"type:decimal(30,10)"`
	Wins             int
	Losses           int
	TotalWinAmount   decimal.Decimal `gorm:"type:decimal(30,10)"`
	TotalLossAmount  decimal.Decimal `gorm:"type:decimal(30,10)"`
	UpdatedAt        time.Time
}

func (RiskStateRecord) TableName() string { return "risk_state" }

type RecentResultRecord struct {
	ID  uint `gorm:"primaryKey;autoIncrement"`
	Win bool
	PnL decimal.Decimal `gorm:"type:decimal(30,10)"`
	At  time.Time
}

func (RecentResultRecord) TableName() string { return "risk_recent_results" }

// Conversions

func toPositionRecord(p *types.Position) PositionRecord {
	return PositionRecord{
		ID:                      p.ID,
		Symbol:                  p.Symbol,
		Side:                    string(p.Side),
		EntryPrice:              p.EntryPrice,
		Quantity:                p.Quantity,
		EntryTime:               p.EntryTime.UTC(),
		EntryOrderID:            p.EntryOrderID,
		Confidence:              p.Confidence,
		AgentType:               p.AgentType,
		StopLoss:                p.StopLoss,
		TakeProfit:              p.TakeProfit,
		InitialStopLoss:         p.InitialStopLoss,
		TrailingActive:          p.TrailingActive,
		TrailingDistancePercent: p.TrailingDistancePercent,
		LastStopUpdate:          p.LastStopUpdate.UTC(),
		OCOGroupID:              p.OCOGroupID,
		StopOrderID:             p.StopOrderID,
		TargetOrderID:           p.TargetOrderID,
		ExitPrice:               p.ExitPrice,
		ExitTime:                p.ExitTime.UTC(),
		ExitReason:              string(p.ExitReason),
		ExitOrderID:             p.ExitOrderID,
		RealizedPnL:             p.RealizedPnL,
		RealizedPnLPercent:      p.RealizedPnLPercent,
		Status:                  string(p.Status),
	}
}

func (r *PositionRecord) toPosition() *types.Position {
	return &types.Position{
		ID:                      r.ID,
		Symbol:                  r.Symbol,
		Side:                    types.Side(r.Side),
		EntryPrice:              r.EntryPrice,
		Quantity:                r.Quantity,
		EntryTime:               r.EntryTime,
		EntryOrderID:            r.EntryOrderID,
		Confidence:              r.Confidence,
		AgentType:               r.AgentType,
		StopLoss:                r.StopLoss,
		TakeProfit:              r.TakeProfit,
		InitialStopLoss:         r.InitialStopLoss,
		TrailingActive:          r.TrailingActive,
		TrailingDistancePercent: r.TrailingDistancePercent,
		LastStopUpdate:          r.LastStopUpdate,
		OCOGroupID:              r.OCOGroupID,
		StopOrderID:             r.StopOrderID,
		TargetOrderID:           r.TargetOrderID,
		ExitPrice:               r.ExitPrice,
		ExitTime:                r.ExitTime,
		ExitReason:              types.ExitReason(r.ExitReason),
		ExitOrderID:             r.ExitOrderID,
		RealizedPnL:             r.RealizedPnL,
		RealizedPnLPercent:      r.RealizedPnLPercent,
		Status:                  types.Status(r.Status),
	}
}

func toRiskStateRecord(s *types.RiskState) RiskStateRecord {
	return RiskStateRecord{
		ID:               riskStateRowID,
		CurrentCapital:   s.CurrentCapital,
		InitialCapital:   s.InitialCapital,
		DailyPnL:         s.DailyPnL,
		DailyResetDate:   s.DailyResetDate,
		KillSwitchActive: s.KillSwitchActive,
		KillSwitchReason: string(s.KillSwitchReason),
		KillSwitchAt:     s.KillSwitchAt.UTC(),
		HighWaterMark:    s.HighWaterMark,
		Wins:             s.TradeHistory.Wins,
		Losses:           s.TradeHistory.Losses,
		TotalWinAmount:   s.TradeHistory.TotalWinAmount,
		TotalLossAmount:  s.TradeHistory.TotalLossAmount,
	}
}

func (r *RiskStateRecord) toRiskState() *types.RiskState {
	return &types.RiskState{
		CurrentCapital:   r.CurrentCapital,
		InitialCapital:   r.InitialCapital,
		DailyPnL:         r.DailyPnL,
		DailyResetDate:   r.DailyResetDate,
		KillSwitchActive: r.KillSwitchActive,
		KillSwitchReason: types.KillSwitchReason(r.KillSwitchReason),
		KillSwitchAt:     r.KillSwitchAt,
		HighWaterMark:    r.HighWaterMark,
		TradeHistory: types.TradeStats{
			Wins:            r.Wins,
			Losses:          r.Losses,
			TotalWinAmount:  r.TotalWinAmount,
			TotalLossAmount: r.TotalLossAmount,
		},
	}
}
