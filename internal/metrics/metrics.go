// Package metrics collects and exposes tapdisk-nbd runtime observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package, following the daemon's usual
// split: an in-process atomic counters struct for the lightweight JSON
// /status endpoint, and a Prometheus registry (prometheus.go) served at
// /metrics for scraping by external monitoring systems.
//
// # Concurrency
//
// The engine's writer/reader callbacks run on a single event-loop thread and
// must never block; every Record* call here is an atomic increment plus an
// in-memory update of the Prometheus collectors, with no I/O.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects tapdisk-nbd runtime counters.
type Metrics struct {
	RequestsEnqueued  atomic.Int64
	RequestsCompleted atomic.Int64
	RequestsFailed    atomic.Int64
	RequestsBusy      atomic.Int64 // enqueue attempts rejected with EBUSY
	HandshakesOK      atomic.Int64
	HandshakesFailed  atomic.Int64
	Disables          atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordEnqueue records a successful enqueue of the given request type.
func (m *Metrics) RecordEnqueue(reqType string) {
	m.RequestsEnqueued.Add(1)
	RecordPrometheusEnqueue(reqType)
}

// RecordBusy records an enqueue rejected because the free list was empty.
func (m *Metrics) RecordBusy() {
	m.RequestsBusy.Add(1)
	RecordPrometheusBusy()
}

// RecordCompletion records a request finishing, successfully or not, and
// its round-trip latency.
func (m *Metrics) RecordCompletion(reqType string, latencyMs float64, success bool) {
	if success {
		m.RequestsCompleted.Add(1)
	} else {
		m.RequestsFailed.Add(1)
	}
	RecordPrometheusCompletion(reqType, latencyMs, success)
}

// RecordHandshake records a handshake outcome and its duration.
func (m *Metrics) RecordHandshake(variant string, durationMs float64, success bool) {
	if success {
		m.HandshakesOK.Add(1)
	} else {
		m.HandshakesFailed.Add(1)
	}
	RecordPrometheusHandshake(variant, durationMs, success)
}

// RecordDisable records a connection-fatal disable.
func (m *Metrics) RecordDisable(reason string) {
	m.Disables.Add(1)
	RecordPrometheusDisable(reason)
}

// SetInflight sets the current in-flight (sent, awaiting reply) request gauge.
func (m *Metrics) SetInflight(conn string, n int) {
	SetPrometheusInflight(conn, n)
}

// Snapshot returns a point-in-time snapshot of the counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":     int64(time.Since(m.startTime).Seconds()),
		"requests_enqueued":  m.RequestsEnqueued.Load(),
		"requests_completed": m.RequestsCompleted.Load(),
		"requests_failed":    m.RequestsFailed.Load(),
		"requests_busy":      m.RequestsBusy.Load(),
		"handshakes_ok":      m.HandshakesOK.Load(),
		"handshakes_failed":  m.HandshakesFailed.Load(),
		"disables":           m.Disables.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes the snapshot as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
