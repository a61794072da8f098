package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's prometheus instruments. It doubles as the
// worker pool's Observer.
type Metrics struct {
	BlocksReceived prometheus.Counter
	ItemsAdmitted  prometheus.Counter
	ItemsCompleted prometheus.Counter
	ItemsSkipped   *prometheus.CounterVec
	DeadLetters    prometheus.Counter
	FetchRetries   prometheus.Counter
	QueueDepth     prometheus.Gauge
	Reconnects     prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		BlocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privsync_blocks_received_total",
			Help: "Blocks received from the channel",
		}),
		ItemsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privsync_items_admitted_total",
			Help: "WorkItems admitted into the queue",
		}),
		ItemsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privsync_items_completed_total",
			Help: "WorkItems fetched and upserted",
		}),
		ItemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privsync_items_skipped_total",
			Help: "WorkItems terminally skipped",
		}, []string{"reason"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privsync_dead_letters_total",
			Help: "WorkItems parked after exhausting the retry budget",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privsync_fetch_retries_total",
			Help: "Transient fetch failures that were requeued",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "privsync_queue_depth",
			Help: "WorkItems waiting in the queue",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privsync_reconnects_total",
			Help: "Block event stream reconnects",
		}),
	}
}

func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.BlocksReceived,
		m.ItemsAdmitted,
		m.ItemsCompleted,
		m.ItemsSkipped,
		m.DeadLetters,
		m.FetchRetries,
		m.QueueDepth,
		m.Reconnects,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ItemCompleted() {
	m.ItemsCompleted.Inc()
}

func (m *Metrics) ItemSkipped(reason string) {
	m.ItemsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ItemDeadLettered() {
	m.DeadLetters.Inc()
}

func (m *Metrics) FetchRetried() {
	m.FetchRetries.Inc()
}

func (m *Metrics) QueueDepthChanged(depth int) {
	m.QueueDepth.Set(float64(depth))
}
