// Package transport – Prometheus metrics for the HTTP transport layer.
//
// Metrics tracks operational counters and gauges for the transport client.
// All fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// Handler returns an [net/http.Handler] that serves the collected metrics in
// the standard Prometheus text exposition format on every GET request:
//
//	m := transport.NewMetrics()
//	http.Handle("/metrics", m.Handler())
//
// Metric catalogue:
//
//	agent_activities_sent_total      – counter: activities delivered to the ingest service
//	agent_send_errors_total          – counter: failed send attempts (before and after retries)
//	agent_send_retries_total         – counter: retry attempts after a transient failure
//	agent_anomalies_flagged_total    – counter: ingest responses that carried an alert
//	agent_verification_errors_total  – counter: user verification handshakes that failed
//	agent_queue_depth                – gauge:   pending rows in the offline queue
//	agent_connected                  – gauge:   1 when the last send succeeded, 0 otherwise
package transport

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the transport layer.
// The zero value is ready to use; all counters start at zero.
type Metrics struct {
	// Counters
	ActivitiesSent     atomic.Int64
	SendErrors         atomic.Int64
	Retries            atomic.Int64
	AnomaliesFlagged   atomic.Int64
	VerificationErrors atomic.Int64

	// Gauges
	QueueDepth atomic.Int64
	Connected  atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its
// current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of activities successfully delivered to the ingest service.",
			kind:  "counter",
			name:  "agent_activities_sent_total",
			value: m.ActivitiesSent.Load(),
		},
		{
			help:  "Total number of activity send attempts that returned an error.",
			kind:  "counter",
			name:  "agent_send_errors_total",
			value: m.SendErrors.Load(),
		},
		{
			help:  "Total number of retry attempts made after a transient send failure.",
			kind:  "counter",
			name:  "agent_send_retries_total",
			value: m.Retries.Load(),
		},
		{
			help:  "Total number of ingest responses that carried an anomaly alert.",
			kind:  "counter",
			name:  "agent_anomalies_flagged_total",
			value: m.AnomaliesFlagged.Load(),
		},
		{
			help:  "Total number of user verification handshakes that failed.",
			kind:  "counter",
			name:  "agent_verification_errors_total",
			value: m.VerificationErrors.Load(),
		},
		{
			help:  "Number of pending activities in the local offline queue.",
			kind:  "gauge",
			name:  "agent_queue_depth",
			value: m.QueueDepth.Load(),
		},
		{
			help:  "1 when the most recent send to the ingest service succeeded, 0 otherwise.",
			kind:  "gauge",
			name:  "agent_connected",
			value: m.Connected.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all transport metrics in the
// Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by the
// Prometheus specification so that a vanilla Prometheus scraper will parse
// the output correctly.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
