// Package metrics collects and exposes Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics interface the runner and handlers use.
type Recorder interface {
	RecordRunSuccess(duration time.Duration)
	RecordRunFailure(reason string)
	RecordCodeRelayed()
	RecordRecordsSynced(accounts, balances, transactions int)
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	runSuccess   prometheus.Counter
	runFail      *prometheus.CounterVec
	runDuration  prometheus.Histogram
	codesRelayed prometheus.Counter
	synced       *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbsync_run_success_total",
			Help: "Completed sync runs.",
		}),
		runFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbsync_run_fail_total",
			Help: "Failed sync runs by failure class.",
		}, []string{"reason"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qbsync_run_duration_seconds",
			Help:    "Wall time of successful sync runs.",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1200},
		}),
		codesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbsync_codes_relayed_total",
			Help: "Verification codes delivered through the relay.",
		}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbsync_records_synced_total",
			Help: "Records written to the destination by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.runSuccess,
		c.runFail,
		c.runDuration,
		c.codesRelayed,
		c.synced,
	)

	return c
}

func (c *Collector) RecordRunSuccess(duration time.Duration) {
	c.runSuccess.Inc()
	c.runDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordRunFailure(reason string) {
	c.runFail.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordCodeRelayed() {
	c.codesRelayed.Inc()
}

func (c *Collector) RecordRecordsSynced(accounts, balances, transactions int) {
	c.synced.WithLabelValues("accounts").Add(float64(accounts))
	c.synced.WithLabelValues("balances").Add(float64(balances))
	c.synced.WithLabelValues("transactions").Add(float64(transactions))
}

// Handler returns the scrape endpoint for the given gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop discards every measurement. The one-shot CLI uses it.
type Noop struct{}

func (Noop) RecordRunSuccess(time.Duration)  {}
func (Noop) RecordRunFailure(string)         {}
func (Noop) RecordCodeRelayed()              {}
func (Noop) RecordRecordsSynced(_, _, _ int) {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Noop{}
)
