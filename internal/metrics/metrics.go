// Package metrics holds the Prometheus collectors of the pipeline.
//
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reading outcomes used as the "outcome" label of pneulink_readings_total.
const (
	ReadingIngested = "ingested"
	ReadingDropped  = "dropped"
	ReadingRejected = "rejected"
	ReadingFailed   = "failed"
)

// Sync outcomes used as the "outcome" label of pneulink_sync_runs_total.
const (
	SyncSuccess = "success"
	SyncEmpty   = "empty"
	SyncFailure = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	linkState     *prometheus.GaugeVec
	readings      *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	skippedTicks  prometheus.Counter
	uploadLatency prometheus.Histogram
	queueDepth    prometheus.Gauge

	stateMu   sync.Mutex
	lastState string
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pneulink_link_state",
			Help: "1 for the current state of the radio link, 0 otherwise.",
		}, []string{"state"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pneulink_readings_total",
			Help: "Sensor readings by outcome (ingested, dropped on overflow, rejected by the decoder, failed in the consumer).",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pneulink_sync_runs_total",
			Help: "Sync runs by outcome.",
		}, []string{"outcome"}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pneulink_sync_skipped_ticks_total",
			Help: "Scheduler ticks skipped because a sync was still running.",
		}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pneulink_upload_latency_seconds",
			Help:    "Latency of upload calls to the remote gateway.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pneulink_queue_depth",
			Help: "Entries waiting in the local queue after the last sync.",
		}),
	}

	m.registry.MustRegister(m.linkState, m.readings, m.syncRuns, m.skippedTicks, m.uploadLatency, m.queueDepth)
	return m
}

// Registry exposes the private registry (tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetLinkState marks state as current and clears the previous one.
func (m *Metrics) SetLinkState(state string) {
	if m == nil {
		return
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.lastState != "" && m.lastState != state {
		m.linkState.WithLabelValues(m.lastState).Set(0)
	}
	m.linkState.WithLabelValues(state).Set(1)
	m.lastState = state
}

func (m *Metrics) IncReading(outcome string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSyncRun(outcome string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSkippedTick() {
	if m == nil {
		return
	}
	m.skippedTicks.Inc()
}

func (m *Metrics) ObserveUpload(d time.Duration) {
	if m == nil {
		return
	}
	m.uploadLatency.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
