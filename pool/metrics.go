package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pool gauges and counters, labelled by attachment.
type Metrics struct {
	Idle     prometheus.Gauge
	Active   prometheus.Gauge
	Acquires prometheus.Counter
	Timeouts prometheus.Counter
	Discards prometheus.Counter
	Dials    prometheus.Counter
}

// NewMetrics registers the pool metrics with the given registerer. A
// nil registerer produces unregistered (inert) collectors, used by
// tests.
func NewMetrics(reg prometheus.Registerer, attachment string) *Metrics {
	labels := prometheus.Labels{"attachment": attachment}
	factory := promauto.With(reg)

	return &Metrics{
		Idle: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "mssql_pool_idle_connections",
			Help:        "Idle connections held by the pool.",
			ConstLabels: labels,
		}),
		Active: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "mssql_pool_active_connections",
			Help:        "Connections currently checked out of the pool.",
			ConstLabels: labels,
		}),
		Acquires: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mssql_pool_acquires_total",
			Help:        "Successful connection acquisitions.",
			ConstLabels: labels,
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mssql_pool_acquire_timeouts_total",
			Help:        "Acquisitions that timed out waiting for a slot.",
			ConstLabels: labels,
		}),
		Discards: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mssql_pool_discarded_connections_total",
			Help:        "Connections discarded by health checks, sweeps or failures.",
			ConstLabels: labels,
		}),
		Dials: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mssql_pool_dials_total",
			Help:        "New connection handshakes performed.",
			ConstLabels: labels,
		}),
	}
}
