// Package metrics exposes Prometheus metrics and the /healthz endpoint of
// the signal pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"signal-pipelinev1/internal/events"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	TicksTotal    prometheus.Counter
	TicksRejected *prometheus.CounterVec // labels: reason
	FeedReconnect prometheus.Counter
	FeedDropped   prometheus.Counter

	IndicatorComputes   prometheus.Counter
	IndicatorSkips      prometheus.Counter
	IndicatorComputeDur prometheus.Histogram

	Transitions *prometheus.CounterVec // labels: to
	Signals     *prometheus.CounterVec // labels: section
	Rejections  *prometheus.CounterVec // labels: kind
	Orders      *prometheus.CounterVec // labels: status

	BudgetAllocated prometheus.Gauge
	BudgetCap       prometheus.Gauge

	SessionTransitions *prometheus.CounterVec // labels: to
	SessionProgress    *prometheus.GaugeVec   // labels: session

	// Backpressure
	BusDrops          *prometheus.CounterVec // labels: subscriber
	ChannelSaturation *prometheus.GaugeVec   // labels: channel_name
	ShardQueueLen     *prometheus.GaugeVec   // labels: shard

	// Storage
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter
	RedisBacklog      prometheus.Gauge
	SQLiteCommitDur   prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fast := []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001}

	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ticks_total",
			Help: "Ticks accepted by the aggregator",
		}),
		TicksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ticks_rejected_total",
			Help: "Ticks rejected (out of order, invalid)",
		}, []string{"reason"}),
		FeedReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_feed_reconnects_total",
			Help: "Live feed reconnection attempts",
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_feed_dropped_ticks_total",
			Help: "Ticks dropped by the live feed because the pipeline was full",
		}),

		IndicatorComputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_indicator_computes_total",
			Help: "Indicator recomputes",
		}),
		IndicatorSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_indicator_skips_total",
			Help: "Indicator recomputes skipped by the refresh interval",
		}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_indicator_compute_duration_seconds",
			Help:    "Scheduler latency per tick",
			Buckets: fast,
		}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_strategy_transitions_total",
			Help: "Strategy instance transitions by target state",
		}, []string{"to"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_signals_total",
			Help: "Condition sections that passed",
		}, []string{"section"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_rejections_total",
			Help: "Locally handled failures by kind",
		}, []string{"kind"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_orders_total",
			Help: "Order lifecycle events by status",
		}, []string{"status"}),

		BudgetAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_budget_allocated",
			Help: "Capital currently reserved in the ledger",
		}),
		BudgetCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_budget_cap",
			Help: "Global budget cap",
		}),

		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_session_transitions_total",
			Help: "Session status changes by target status",
		}, []string{"to"}),
		SessionProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_session_progress_pct",
			Help: "Backtest progress in percent",
		}, []string{"session"}),

		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_bus_drops_total",
			Help: "Events dropped by the bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		ShardQueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_shard_queue_len",
			Help: "Pending tick batches per shard",
		}, []string{"shard"}),

		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_redis_backlog",
			Help: "Redis commands held while the breaker is open",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TicksRejected,
		m.FeedReconnect,
		m.FeedDropped,
		m.IndicatorComputes,
		m.IndicatorSkips,
		m.IndicatorComputeDur,
		m.Transitions,
		m.Signals,
		m.Rejections,
		m.Orders,
		m.BudgetAllocated,
		m.BudgetCap,
		m.SessionTransitions,
		m.SessionProgress,
		m.BusDrops,
		m.ChannelSaturation,
		m.ShardQueueLen,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisBacklog,
		m.SQLiteCommitDur,
	)
	return m
}

// Observe counts e. It is meant to be fed from a bus subscription.
func (m *Metrics) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.Transition:
		m.Transitions.WithLabelValues(ev.To).Inc()
	case events.Signal:
		m.Signals.WithLabelValues(ev.Section).Inc()
	case events.Rejection:
		m.Rejections.WithLabelValues(ev.Kind).Inc()
	case events.OrderEvent:
		m.Orders.WithLabelValues(ev.Status).Inc()
	case events.SessionChanged:
		m.SessionTransitions.WithLabelValues(ev.To).Inc()
	}
}

// ObserveChannel records the fill level of a channel.
func (m *Metrics) ObserveChannel(name string, length, capacity int) {
	if capacity <= 0 {
		return
	}
	m.ChannelSaturation.WithLabelValues(name).Set(float64(length) / float64(capacity) * 100)
}

// ObserveShard records the queue length of shard i.
func (m *Metrics) ObserveShard(i, length int) {
	m.ShardQueueLen.WithLabelValues(strconv.Itoa(i)).Set(float64(length))
}
