package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GATEWAYS - What the engine consumes
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engine defines the interfaces; exchange adapters, the store and the
// risk manager implement them. No import cycles.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketGateway is exchange market data, balances and order execution
type MarketGateway interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetHistoricalData(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	ExecuteOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
}

// OrderGateway manages exchange-side protective orders
type OrderGateway interface {
	PlaceProtective(ctx context.Context, req types.ProtectiveRequest) (*types.ProtectiveOrders, error)
	CancelProtective(ctx context.Context, positionID, symbol string) error
	CheckStatus(ctx context.Context, positionID, symbol string) (*types.ProtectionStatus, error)
	UpdateStop(ctx context.Context, positionID, symbol string, newStop decimal.Decimal) error
	PlaceMarketClose(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reason types.ExitReason) (*types.OrderResult, error)
}

// PriceSource is a push-fed price cache
type PriceSource interface {
	Latest(symbol string) (price decimal.Decimal, at time.Time, ok bool)
}

// PositionStore persists positions; implemented by storage.Database
type PositionStore interface {
	SavePosition(ctx context.Context, pos *types.Position) error
	UpdateStop(ctx context.Context, id string, stop decimal.Decimal, trailingActive bool, at time.Time) error
	UpdateProtection(ctx context.Context, id string, orders types.ProtectiveOrders) error
	ClosePosition(ctx context.Context, pos *types.Position) error
	GetOpenPositions(ctx context.Context) ([]*types.Position, error)
}

// RiskRecorder books a closed trade; implemented by risk.Manager
type RiskRecorder interface {
	RecordClosedTrade(ctx context.Context, pnl decimal.Decimal) error
}
