package tweetwatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tick results, used as metric labels.
const (
	ResultOK           = "ok"
	ResultFetchError   = "fetch_error"
	ResultPersistError = "persist_error"
	ResultInterrupted  = "interrupted"
)

// Metrics groups the Prometheus instruments a Watcher reports to.
type Metrics struct {
	Ticks         *prometheus.CounterVec
	ItemsFetched  prometheus.Counter
	Notifications *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	LastSuccess   prometheus.Gauge
}

// NewMetrics registers all instruments with reg. Pass a private registry so
// tests stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetwatch_ticks_total",
			Help: "Completed ticks by result.",
		}, []string{"result"}),

		ItemsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetwatch_items_fetched_total",
			Help: "Posts returned by the source API.",
		}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetwatch_notifications_total",
			Help: "Notification attempts by result (sent or failed).",
		}, []string{"result"}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tweetwatch_tick_seconds",
			Help:    "Wall time of a tick from state load to state save.",
			Buckets: prometheus.DefBuckets,
		}),

		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tweetwatch_last_success_timestamp_seconds",
			Help: "Unix time of the last tick that persisted its state.",
		}),
	}

	reg.MustRegister(
		m.Ticks,
		m.ItemsFetched,
		m.Notifications,
		m.TickDuration,
		m.LastSuccess,
	)
	return m
}

func (m *Metrics) observeTick(result string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(result).Inc()
	m.TickDuration.Observe(finished.Sub(started).Seconds())
	if result == ResultOK {
		m.LastSuccess.Set(float64(finished.Unix()))
	}
}

func (m *Metrics) observeFetched(n int) {
	if m == nil {
		return
	}
	m.ItemsFetched.Add(float64(n))
}

func (m *Metrics) observeNotification(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Notifications.WithLabelValues("failed").Inc()
		return
	}
	m.Notifications.WithLabelValues("sent").Inc()
}
