package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/metrics"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MONITOR - Stop/target enforcement and trailing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every tick each open position is checked concurrently. A position whose
// previous check is still running is skipped for that tick, so one slow
// exchange call never delays the others.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StartMonitoring launches the monitoring loop; a second call is a no-op
func (e *Engine) StartMonitoring(ctx context.Context) {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})

	go e.monitorLoop(ctx, e.stopCh, e.loopDone)

	log.Info().Dur("interval", e.cfg.MonitorInterval).Msg("👁️ Position monitor started")
}

// StopMonitoring stops the loop and waits for in-flight checks
func (e *Engine) StopMonitoring() {
	e.monMu.Lock()
	if !e.running {
		e.monMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	done := e.loopDone
	e.monMu.Unlock()

	<-done
	e.checks.Wait()
	log.Info().Msg("🛑 Position monitor stopped")
}

func (e *Engine) monitorLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			e.dispatch(ctx)
		}
	}
}

// dispatch starts one check per open position that is not already in flight
func (e *Engine) dispatch(ctx context.Context) {
	e.retryBookings(ctx)

	e.mu.RLock()
	batch := make([]*tracked, 0, len(e.positions))
	for _, t := range e.positions {
		batch = append(batch, t)
	}
	e.mu.RUnlock()

	for _, t := range batch {
		if t.pos.Load().Status != types.StatusOpen {
			continue
		}
		if !t.inFlight.CompareAndSwap(false, true) {
			continue
		}
		e.checks.Add(1)
		go func(t *tracked) {
			defer e.checks.Done()
			defer t.inFlight.Store(false)
			e.checkPosition(ctx, t)
		}(t)
	}
}

// CheckPositions runs one synchronous pass over all open positions
func (e *Engine) CheckPositions(ctx context.Context) {
	e.retryBookings(ctx)

	e.mu.RLock()
	batch := make([]*tracked, 0, len(e.positions))
	for _, t := range e.positions {
		batch = append(batch, t)
	}
	e.mu.RUnlock()

	for _, t := range batch {
		if !t.inFlight.CompareAndSwap(false, true) {
			continue
		}
		e.checkPosition(ctx, t)
		t.inFlight.Store(false)
	}
}

func (e *Engine) checkPosition(ctx context.Context, t *tracked) {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start).Seconds()) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.pos.Load()
	if pos.Status != types.StatusOpen {
		return
	}

	price, err := e.currentPrice(ctx, pos.Symbol)
	if err != nil {
		log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("No price this tick")
		return
	}

	if e.cfg.ProtectionMode == ProtectionExchange {
		if pos.HasProtection() {
			if handled := e.checkExchangeProtection(ctx, t, price); handled {
				return
			}
		} else if e.now().Sub(t.lastProtectAttempt) >= e.cfg.ProtectionRetryInterval {
			e.placeProtection(ctx, t)
		}
		pos = t.pos.Load()
	}

	if reason, hit := localTrigger(pos, price); hit {
		log.Info().
			Str("id", pos.ID).
			Str("symbol", pos.Symbol).
			Str("reason", string(reason)).
			Str("price", price.String()).
			Msg("🎯 Exit triggered")
		_ = e.flattenLocked(ctx, t, price, reason)
		return
	}

	e.trail(ctx, t, price)
}

// checkExchangeProtection consults the order gateway. It returns true when
// the exchange state settles this tick (filled, or protection still live).
func (e *Engine) checkExchangeProtection(ctx context.Context, t *tracked, price decimal.Decimal) bool {
	pos := t.pos.Load()

	cctx, cancel := e.callCtx(ctx)
	status, err := e.orders.CheckStatus(cctx, pos.ID, pos.Symbol)
	cancel()
	if err != nil || status == nil {
		log.Debug().Err(err).Str("id", pos.ID).Msg("Protection status unavailable, local triggers apply")
		return false
	}

	switch status.State {
	case types.ProtectionTPFilled:
		exit := status.FillPrice
		if !exit.IsPositive() {
			exit = pos.TakeProfit
		}
		_ = e.closeLocked(ctx, t, exit, types.ExitTakeProfit, status.OrderID, false)
		return true

	case types.ProtectionSLFilled:
		exit := status.FillPrice
		if !exit.IsPositive() {
			exit = pos.StopLoss
		}
		reason := types.ExitStopLoss
		if pos.TrailingActive {
			reason = types.ExitTrailingStop
		}
		_ = e.closeLocked(ctx, t, exit, reason, status.OrderID, false)
		return true

	case types.ProtectionActive:
		// exchange enforces the levels; only trailing runs here
		e.trail(ctx, t, price)
		return true

	case types.ProtectionUnknown:
		e.dropProtection(ctx, t)
	}
	return false
}

// dropProtection forgets a linkage the exchange no longer knows so the
// next tick re-places it; t.mu must be held
func (e *Engine) dropProtection(ctx context.Context, t *tracked) {
	pos := t.pos.Load()
	if err := e.store.UpdateProtection(e.commitCtx(ctx), pos.ID, types.ProtectiveOrders{}); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Stale protective linkage not cleared")
		return
	}
	cleared := pos.Clone()
	cleared.OCOGroupID, cleared.StopOrderID, cleared.TargetOrderID = "", "", ""
	t.pos.Store(cleared)
	t.lastProtectAttempt = time.Time{}
	log.Warn().Str("id", pos.ID).Str("group", pos.OCOGroupID).Msg("⚠️ Protective orders unknown to exchange, re-arming")
}

// localTrigger reports whether price crossed the stop or target
func localTrigger(pos *types.Position, price decimal.Decimal) (types.ExitReason, bool) {
	stopReason := types.ExitStopLoss
	if pos.TrailingActive {
		stopReason = types.ExitTrailingStop
	}

	if pos.Side == types.SideShort {
		if price.GreaterThanOrEqual(pos.StopLoss) {
			return stopReason, true
		}
		if pos.HasTarget() && price.LessThanOrEqual(pos.TakeProfit) {
			return types.ExitTakeProfit, true
		}
		return "", false
	}

	if price.LessThanOrEqual(pos.StopLoss) {
		return stopReason, true
	}
	if pos.HasTarget() && price.GreaterThanOrEqual(pos.TakeProfit) {
		return types.ExitTakeProfit, true
	}
	return "", false
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILING
// ═══════════════════════════════════════════════════════════════════════════════

// trail evaluates and applies a trailing update; t.mu must be held
func (e *Engine) trail(ctx context.Context, t *tracked, price decimal.Decimal) {
	pos := t.pos.Load()
	now := e.now()

	d := EvaluateTrailing(pos, price, now, e.cfg.trailing())
	if !d.Update {
		return
	}
	if err := e.applyStop(ctx, t, d.NewStop, now); err != nil {
		metrics.IncTrailing("failed")
		return
	}
	metrics.IncTrailing("moved")

	cur := t.pos.Load()
	log.Info().
		Str("id", cur.ID).
		Str("symbol", cur.Symbol).
		Str("old_stop", pos.StopLoss.String()).
		Str("new_stop", cur.StopLoss.String()).
		Str("price", price.String()).
		Bool("activated", d.Activate).
		Msg("📐 Trailing stop moved")

	e.emit(types.EventTrailingUpdated, cur, fmt.Sprintf("%s %s stop %s → %s",
		cur.Symbol, cur.Side, pos.StopLoss, cur.StopLoss))
}

// applyStop moves the stop everywhere or nowhere: exchange first, then the
// store, then memory. A store failure reverts the exchange stop.
func (e *Engine) applyStop(ctx context.Context, t *tracked, newStop decimal.Decimal, now time.Time) error {
	pos := t.pos.Load()

	exchangeMoved := false
	if e.cfg.ProtectionMode == ProtectionExchange && pos.HasProtection() {
		cctx, cancel := e.callCtx(ctx)
		err := e.orders.UpdateStop(cctx, pos.ID, pos.Symbol, newStop)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("id", pos.ID).Msg("⚠️ Exchange stop not moved, keeping old stop")
			return err
		}
		exchangeMoved = true
	}

	sctx, cancel := context.WithTimeout(e.commitCtx(ctx), e.cfg.GatewayTimeout)
	err := e.store.UpdateStop(sctx, pos.ID, newStop, true, now)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Stop update not persisted, keeping old stop")
		if exchangeMoved {
			rctx, rcancel := e.callCtx(e.commitCtx(ctx))
			if rerr := e.orders.UpdateStop(rctx, pos.ID, pos.Symbol, pos.StopLoss); rerr != nil {
				log.Error().Err(rerr).Str("id", pos.ID).Msg("❌ Exchange stop revert failed")
			}
			rcancel()
		}
		return err
	}

	next := pos.Clone()
	next.StopLoss = newStop
	next.TrailingActive = true
	next.LastStopUpdate = now
	t.pos.Store(next)
	return nil
}
