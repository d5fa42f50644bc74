package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

// Registry 本进程的指标注册表（不使用全局 DefaultRegisterer，测试里可以重复创建 server）
var Registry = prometheus.NewRegistry()

var (
	ReconcileCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_reconcile_cycles_total",
		Help: "Reconciliation cycles run",
	})

	PlanActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_plan_actions_total",
		Help: "Actions emitted by reconciliation after risk filtering",
	}, []string{"kind"})

	DispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_dispatch_outcomes_total",
		Help: "Gateway calls by action kind and outcome",
	}, []string{"kind", "outcome"})

	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grid_dispatch_latency_seconds",
		Help:    "Gateway call latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"kind"})

	// applied | duplicate | dropped | revived
	TrackerEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_tracker_events",
		Help: "Execution events seen by the order tracker",
	}, []string{"result"})

	// source: startup | market_gap | market_reconnect | execution_reconnect | stop
	Resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_resyncs_total",
		Help: "Full snapshot refetches after a gap or disconnect",
	}, []string{"source"})

	StreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_stream_reconnects_total",
		Help: "Stream restarts",
	}, []string{"stream"})

	RiskHalts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_risk_halts_total",
		Help: "Kill switch trips",
	})

	RiskDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_risk_dropped_places_total",
		Help: "Place actions dropped by the position limit",
	})

	Halted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_halted",
		Help: "1 while the kill switch is engaged",
	})

	NetPosition = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_net_position",
		Help: "Net position size (negative is short)",
	})

	RealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_realized_pnl",
		Help: "Realized PnL since start",
	})

	OpenOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_open_orders",
		Help: "Non-terminal orders tracked locally",
	})

	LadderEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_ladder_epoch",
		Help: "Ladder recenter count",
	})

	RoundTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_round_trips_total",
		Help: "Buy/sell fills matched into completed round trips",
	})

	RoundTripProfit = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_round_trip_profit",
		Help: "Cumulative profit of completed round trips, before fees",
	})

	MarginRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_margin_ratio",
		Help: "Margin used divided by account value",
	})

	// 0 normal, 1 warning, 2 high, 3 critical
	MarginLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_margin_level",
		Help: "Margin ratio risk level",
	})
)

func init() {
	Registry.MustRegister(
		ReconcileCycles, PlanActions,
		DispatchOutcomes, DispatchLatency,
		TrackerEvents, Resyncs, StreamReconnects,
		RiskHalts, RiskDropped, Halted,
		NetPosition, RealizedPnL, OpenOrders, LadderEpoch,
		RoundTrips, RoundTripProfit, MarginRatio, MarginLevel,
	)
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Dispatch 把 dispatcher 的调用结果记录为指标
type Dispatch struct{}

func (Dispatch) ObserveDispatch(kind domain.ActionKind, outcome string, elapsed time.Duration) {
	DispatchOutcomes.WithLabelValues(string(kind), outcome).Inc()
	if elapsed > 0 {
		DispatchLatency.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

func ObservePlan(plan domain.ActionPlan) {
	for _, a := range plan.Actions {
		PlanActions.WithLabelValues(string(a.Kind)).Inc()
	}
}

func SetPosition(p domain.Position) {
	NetPosition.Set(p.NetSize.InexactFloat64())
	RealizedPnL.Set(p.RealizedPnL.InexactFloat64())
}

func SetHalted(halted bool) {
	if halted {
		Halted.Set(1)
		return
	}
	Halted.Set(0)
}

func SetTrackerStats(applied, duplicates, dropped, revived uint64) {
	TrackerEvents.WithLabelValues("applied").Set(float64(applied))
	TrackerEvents.WithLabelValues("duplicate").Set(float64(duplicates))
	TrackerEvents.WithLabelValues("dropped").Set(float64(dropped))
	TrackerEvents.WithLabelValues("revived").Set(float64(revived))
}

func ObserveRoundTrips(closed int, total decimal.Decimal) {
	RoundTrips.Add(float64(closed))
	RoundTripProfit.Set(total.InexactFloat64())
}

func SetMargin(ratio decimal.Decimal, level int) {
	MarginRatio.Set(ratio.InexactFloat64())
	MarginLevel.Set(float64(level))
}
