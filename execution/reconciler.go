package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/tradeguard/metrics"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECOVERY - Startup position reconciliation
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup:
// 1. Load every non-closed position from the store
// 2. Ask the exchange whether protection filled while we were down
// 3. Compare long positions against held balances
// 4. Resume supervision and re-arm missing protection
//
// Running it twice is harmless: tracked positions are skipped.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RecoveryReport summarizes one recovery pass
type RecoveryReport struct {
	Recovered            []string `json:"recovered"`
	ClosedDuringDowntime []string `json:"closedDuringDowntime"`
	Skipped              []string `json:"skipped"`
	Failed               []string `json:"failed"`
}

func (r RecoveryReport) String() string {
	return fmt.Sprintf("recovered %d, closed during downtime %d, skipped %d, failed %d",
		len(r.Recovered), len(r.ClosedDuringDowntime), len(r.Skipped), len(r.Failed))
}

type recoveryOutcome int

const (
	outcomeRecovered recoveryOutcome = iota
	outcomeClosed
	outcomeSkipped
	outcomeFailed
)

// RecoverPositionsOnStartup reconciles persisted positions with the exchange
func (e *Engine) RecoverPositionsOnStartup(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	persisted, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load persisted positions")
		return report, fmt.Errorf("load open positions: %w", err)
	}
	if len(persisted) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return report, nil
	}

	log.Warn().Int("count", len(persisted)).Msg("⚠️ Found persisted positions from previous session")

	var balances map[string]decimal.Decimal
	bctx, cancel := e.callCtx(ctx)
	balances, err = e.market.GetBalance(bctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Balances unavailable, long positions resumed unverified")
		balances = nil
	}

	var mu sync.Mutex
	record := func(id string, o recoveryOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeRecovered:
			report.Recovered = append(report.Recovered, id)
		case outcomeClosed:
			report.ClosedDuringDowntime = append(report.ClosedDuringDowntime, id)
		case outcomeSkipped:
			report.Skipped = append(report.Skipped, id)
		default:
			report.Failed = append(report.Failed, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RecoveryConcurrency)
	for _, p := range persisted {
		pos := p
		g.Go(func() error {
			record(pos.ID, e.recoverOne(gctx, pos, balances))
			return nil
		})
	}
	_ = g.Wait()

	e.mu.RLock()
	n := len(e.positions)
	e.mu.RUnlock()
	metrics.SetPositionsOpen(n)

	log.Info().
		Int("recovered", len(report.Recovered)).
		Int("closed_offline", len(report.ClosedDuringDowntime)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("✅ Position recovery complete")

	e.notifier.Notify(types.Event{
		Type:     types.EventRecovery,
		Priority: types.PriorityNormal,
		Message:  "Startup recovery: " + report.String(),
		Time:     e.now(),
	})

	return report, nil
}

func (e *Engine) recoverOne(ctx context.Context, stored *types.Position, balances map[string]decimal.Decimal) recoveryOutcome {
	if _, ok := e.lookup(stored.ID); ok {
		return outcomeSkipped
	}

	pos := stored.Clone()
	pos.Status = types.StatusOpen

	t := &tracked{}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !e.adopt(t, pos) {
		return outcomeSkipped
	}

	// a pending row was filled before the crash; the store must agree it is open
	if stored.Status == types.StatusPending {
		if err := e.store.SavePosition(e.commitCtx(ctx), pos); err != nil {
			log.Error().Err(err).Str("id", pos.ID).Msg("❌ Pending position not promoted to open in store")
		}
	}

	// protection may have filled while we were down
	rearm := !pos.HasProtection()
	if pos.HasProtection() {
		cctx, cancel := e.callCtx(ctx)
		status, err := e.orders.CheckStatus(cctx, pos.ID, pos.Symbol)
		cancel()
		switch {
		case err != nil || status == nil:
			// linkage kept; the monitor keeps asking and local triggers apply meanwhile
			log.Warn().Err(err).Str("id", pos.ID).Msg("⚠️ Protection status unavailable during recovery")
		case status.State == types.ProtectionTPFilled || status.State == types.ProtectionSLFilled:
			reason, exit := types.ExitTakeProfit, pos.TakeProfit
			if status.State == types.ProtectionSLFilled {
				reason, exit = types.ExitStopLoss, pos.StopLoss
				if pos.TrailingActive {
					reason = types.ExitTrailingStop
				}
			}
			if status.FillPrice.IsPositive() {
				exit = status.FillPrice
			}
			return e.closeRecovered(ctx, t, exit, reason, status.OrderID)
		case status.State == types.ProtectionActive:
			log.Info().Str("id", pos.ID).Msg("📥 Recovered position, protection live")
			return outcomeRecovered
		default:
			rearm = status.State == types.ProtectionUnknown
		}
	}

	switch pos.Side {
	case types.SideLong:
		if balances != nil {
			asset := strings.TrimSuffix(pos.Symbol, e.cfg.QuoteAsset)
			held := balances[asset]
			need := pos.Quantity.Mul(decimal.NewFromFloat(e.cfg.RecoveryBalanceRatio))
			if held.LessThan(need) {
				log.Warn().
					Str("id", pos.ID).
					Str("asset", asset).
					Str("held", held.String()).
					Str("recorded", pos.Quantity.String()).
					Msg("⚠️ Balance gone, position closed while offline")
				exit, err := e.currentPrice(ctx, pos.Symbol)
				if err != nil {
					exit = pos.EntryPrice
				}
				return e.closeRecovered(ctx, t, exit, types.ExitRecoveredClosed, "")
			}
		}
	case types.SideShort:
		if !pos.HasProtection() {
			log.Warn().Str("id", pos.ID).Msg("⚠️ Short position resumed without exchange verification")
		}
	}

	if e.cfg.ProtectionMode == ProtectionExchange && rearm {
		if pos.HasProtection() {
			// exchange no longer knows the linkage; clear before re-arming
			e.cancelProtection(ctx, pos)
			cleared := pos.Clone()
			cleared.OCOGroupID, cleared.StopOrderID, cleared.TargetOrderID = "", "", ""
			t.pos.Store(cleared)
		}
		e.placeProtection(ctx, t)
	}

	cur := t.pos.Load()
	log.Warn().
		Str("id", cur.ID).
		Str("symbol", cur.Symbol).
		Str("side", string(cur.Side)).
		Str("qty", cur.Quantity.String()).
		Str("sl", cur.StopLoss.String()).
		Time("opened_at", cur.EntryTime).
		Msg("📥 Recovered position")
	return outcomeRecovered
}

// adopt registers a recovered position without the capacity check
func (e *Engine) adopt(t *tracked, pos *types.Position) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[pos.ID]; ok {
		return false
	}
	if other, taken := e.bySymbol[pos.Symbol]; taken {
		log.Warn().Str("id", pos.ID).Str("tracked", other).Str("symbol", pos.Symbol).
			Msg("⚠️ Symbol already supervised, recovered position skipped")
		return false
	}
	t.pos.Store(pos)
	e.positions[pos.ID] = t
	e.bySymbol[pos.Symbol] = pos.ID
	if len(e.positions) > e.cfg.MaxConcurrentPositions {
		log.Warn().Int("tracked", len(e.positions)).Int("max", e.cfg.MaxConcurrentPositions).
			Msg("⚠️ Recovered positions exceed the concurrency cap")
	}
	return true
}

func (e *Engine) closeRecovered(ctx context.Context, t *tracked, exit decimal.Decimal, reason types.ExitReason, orderID string) recoveryOutcome {
	if err := e.closeLocked(ctx, t, exit, reason, orderID, false); err != nil {
		return outcomeFailed
	}
	return outcomeClosed
}
