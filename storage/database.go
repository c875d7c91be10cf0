package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Transactional position and risk-state persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every write is one db.Transaction. A partial write is never observable.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position is closed")
	ErrPositionNotOpen  = errors.New("position is not open")
	ErrStopNotMonotonic = errors.New("stop update violates trailing monotonicity")
)

// Database is both the PositionStore and the RiskState store
type Database struct {
	db *gorm.DB
}

// Open connects to PostgreSQL when dsn is a postgres URL, otherwise to a
// SQLite file at dsn.
func Open(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn+"?_busy_timeout=5000&_journal_mode=WAL"), cfg)
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; serialize at the pool instead of retrying on SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&PositionRecord{}, &TradeHistoryRecord{}, &RiskStateRecord{}, &RecentResultRecord{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition inserts or replaces a live position. Closed rows are immutable.
func (d *Database) SavePosition(ctx context.Context, pos *types.Position) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toPositionRecord(pos)
		existing, err := loadPosition(tx, pos.ID)
		switch {
		case err == nil:
			if existing.Status == string(types.StatusClosed) {
				return ErrPositionClosed
			}
			rec.CreatedAt = existing.CreatedAt
		case !errors.Is(err, ErrPositionNotFound):
			return err
		}
		return tx.Save(&rec).Error
	})
}

// UpdateStop persists a new stop. Once trailing is active on the stored row
// the stop may only move in the favorable direction.
func (d *Database) UpdateStop(ctx context.Context, id string, stop decimal.Decimal, trailingActive bool, at time.Time) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := loadPosition(tx, id)
		if err != nil {
			return err
		}
		if rec.Status != string(types.StatusOpen) {
			return ErrPositionNotOpen
		}
		if rec.TrailingActive {
			if rec.Side == string(types.SideLong) && stop.LessThan(rec.StopLoss) {
				return ErrStopNotMonotonic
			}
			if rec.Side == string(types.SideShort) && stop.GreaterThan(rec.StopLoss) {
				return ErrStopNotMonotonic
			}
		}
		return tx.Model(&PositionRecord{}).Where("id = ?", id).Updates(map[string]any{
			"stop_loss":        stop,
			"trailing_active":  trailingActive,
			"last_stop_update": at.UTC(),
		}).Error
	})
}

// UpdateProtection stores the protective-order linkage of a live position
func (d *Database) UpdateProtection(ctx context.Context, id string, orders types.ProtectiveOrders) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := loadPosition(tx, id)
		if err != nil {
			return err
		}
		if rec.Status == string(types.StatusClosed) {
			return ErrPositionClosed
		}
		return tx.Model(&PositionRecord{}).Where("id = ?", id).Updates(map[string]any{
			"oco_group_id":    orders.GroupID,
			"stop_order_id":   orders.StopOrderID,
			"target_order_id": orders.TargetOrderID,
		}).Error
	})
}

// ClosePosition writes the exit facts and the trade-history row in one
// transaction. A position can be closed exactly once.
func (d *Database) ClosePosition(ctx context.Context, pos *types.Position) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := loadPosition(tx, pos.ID)
		if err != nil {
			return err
		}
		if rec.Status == string(types.StatusClosed) {
			return ErrPositionClosed
		}

		closed := toPositionRecord(pos)
		closed.Status = string(types.StatusClosed)
		closed.CreatedAt = rec.CreatedAt
		if err := tx.Save(&closed).Error; err != nil {
			return err
		}

		hist := TradeHistoryRecord{
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			Side:        string(pos.Side),
			AgentType:   pos.AgentType,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   pos.ExitPrice,
			Quantity:    pos.Quantity,
			PnL:         pos.RealizedPnL,
			PnLPercent:  pos.RealizedPnLPercent,
			ExitReason:  string(pos.ExitReason),
			EntryTime:   pos.EntryTime.UTC(),
			ExitTime:    pos.ExitTime.UTC(),
			HoldSeconds: int64(pos.ExitTime.Sub(pos.EntryTime).Seconds()),
		}
		return tx.Create(&hist).Error
	})
}

// GetOpenPositions returns every pending or open position
func (d *Database) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	var recs []PositionRecord
	err := d.db.WithContext(ctx).
		Where("status IN ?", []string{string(types.StatusPending), string(types.StatusOpen)}).
		Order("entry_time ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toPosition())
	}
	return out, nil
}

// GetPosition loads one position by id
func (d *Database) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	rec, err := loadPosition(d.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return rec.toPosition(), nil
}

// GetTradeHistory returns the most recent closes, newest first
func (d *Database) GetTradeHistory(ctx context.Context, limit int) ([]TradeHistoryRecord, error) {
	var recs []TradeHistoryRecord
	err := d.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// TableCounts returns the row count of every table
func (d *Database) TableCounts(ctx context.Context) (map[string]int64, error) {
	db := d.db.WithContext(ctx)
	out := make(map[string]int64, 4)
	for _, model := range []interface{ TableName() string }{
		PositionRecord{}, TradeHistoryRecord{}, RiskStateRecord{}, RecentResultRecord{},
	} {
		var n int64
		if err := db.Model(model).Count(&n).Error; err != nil {
			return nil, err
		}
		out[model.TableName()] = n
	}
	return out, nil
}

func loadPosition(tx *gorm.DB, id string) (*PositionRecord, error) {
	var rec PositionRecord
	if err := tx.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE
// ═══════════════════════════════════════════════════════════════════════════════

// LoadRiskState returns the stored state with its last `recent` results, or
// nil when nothing has been saved yet.
func (d *Database) LoadRiskState(ctx context.Context, recent int) (*types.RiskState, error) {
	db := d.db.WithContext(ctx)

	var rec RiskStateRecord
	if err := db.First(&rec, "id = ?", riskStateRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var results []RecentResultRecord
	if err := db.Order("id DESC").Limit(recent).Find(&results).Error; err != nil {
		return nil, err
	}

	state := rec.toRiskState()
	state.RecentResults = make([]types.TradeResult, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		state.RecentResults = append(state.RecentResults, types.TradeResult{
			Win: results[i].Win,
			PnL: results[i].PnL,
			At:  results[i].At,
		})
	}
	return state, nil
}

// SaveRiskState upserts the single state row, appends the new results and
// trims the results log to `keep` rows, all in one transaction.
func (d *Database) SaveRiskState(ctx context.Context, state *types.RiskState, keep int, appended ...types.TradeResult) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toRiskStateRecord(state)
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		if len(appended) == 0 {
			return nil
		}

		rows := make([]RecentResultRecord, 0, len(appended))
		for _, r := range appended {
			rows = append(rows, RecentResultRecord{Win: r.Win, PnL: r.PnL, At: r.At.UTC()})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}

		var cutoff []uint
		err := tx.Model(&RecentResultRecord{}).Order("id DESC").Offset(keep).Limit(1).Pluck("id", &cutoff).Error
		if err != nil {
			return err
		}
		if len(cutoff) > 0 {
			return tx.Where("id <= ?", cutoff[0]).Delete(&RecentResultRecord{}).Error
		}
		return nil
	})
}
