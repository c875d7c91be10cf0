// Package metrics exposes Prometheus metrics for the risk gate and the
// position supervisor:
//
//	tradeguard_decisions_total{result,gate}       approvals and rejections by gate
//	tradeguard_positions_open                     live positions
//	tradeguard_positions_closed_total{reason,side}
//	tradeguard_realized_profit_total              sum of winning P&L
//	tradeguard_realized_loss_total                sum of losing P&L (absolute)
//	tradeguard_trailing_updates_total{result}     applied|skipped|failed
//	tradeguard_kill_switch_active                 0/1
//	tradeguard_capital                            current capital
//	tradeguard_monitor_tick_seconds               per-position check latency
//
// Registered in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_decisions_total",
			Help: "Risk decisions by result and rejecting gate",
		},
		[]string{"result", "gate"},
	)

	positionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_positions_open",
			Help: "Positions currently supervised",
		},
	)

	positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_positions_closed_total",
			Help: "Closed positions by exit reason and side",
		},
		[]string{"reason", "side"},
	)

	realizedPnL = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeguard_realized_profit_total",
			Help: "Sum of positive realized P&L",
		},
	)

	realizedLoss = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeguard_realized_loss_total",
			Help: "Sum of absolute negative realized P&L",
		},
	)

	trailingUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_trailing_updates_total",
			Help: "Trailing stop evaluations that changed or failed to change a stop",
		},
		[]string{"result"},
	)

	killSwitch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_kill_switch_active",
			Help: "1 when new approvals are halted",
		},
	)

	capital = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_capital",
			Help: "Current capital in quote currency",
		},
	)

	tickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradeguard_monitor_tick_seconds",
			Help:    "Latency of one position check",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(decisions, positionsOpen, positionsClosed)
	prometheus.MustRegister(realizedPnL, realizedLoss)
	prometheus.MustRegister(trailingUpdates, killSwitch, capital, tickLatency)
}

func IncApproved()                { decisions.WithLabelValues("approved", "").Inc() }
func IncRejected(gate string)     { decisions.WithLabelValues("rejected", gate).Inc() }
func SetPositionsOpen(n int)      { positionsOpen.Set(float64(n)) }
func IncTrailing(result string)   { trailingUpdates.WithLabelValues(result).Inc() }
func SetCapital(v float64)        { capital.Set(v) }
func ObserveTick(seconds float64) { tickLatency.Observe(seconds) }

func IncClosed(reason, side string, pnl float64) {
	positionsClosed.WithLabelValues(reason, side).Inc()
	if pnl >= 0 {
		realizedPnL.Add(pnl)
	} else {
		realizedLoss.Add(-pnl)
	}
}

func SetKillSwitch(active bool) {
	if active {
		killSwitch.Set(1)
	} else {
		killSwitch.Set(0)
	}
}
