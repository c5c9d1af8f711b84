// Package nbdmetrics holds optional Prometheus counters for a Handle, built
// the same way the retrieved pack's per-protocol metrics structs are: a
// nil-receiver-safe struct registered against a caller-supplied
// prometheus.Registerer, with every field prefixed by the owning protocol's
// name (here "nbd_").
package nbdmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks handle-wide NBD client counters. A nil *Metrics is valid:
// every Record* method is a no-op, so a Handle can hold one unconditionally
// and only non-nil it when the caller opts in via SetMetricsRegistry.
type Metrics struct {
	CommandsIssued  *prometheus.CounterVec
	CommandsRetired *prometheus.CounterVec
	BytesRead       prometheus.Counter
	BytesWritten    prometheus.Counter
	ProtocolErrors  prometheus.Counter
	InFlightGauge   prometheus.Gauge
}

// New creates and registers nbd_* metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbd_commands_issued_total",
				Help: "Total commands written to the transport by type.",
			},
			[]string{"type"},
		),
		CommandsRetired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbd_commands_retired_total",
				Help: "Total commands retired by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbd_bytes_read_total",
			Help: "Total payload bytes received for NBD_CMD_READ replies.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbd_bytes_written_total",
			Help: "Total payload bytes sent for NBD_CMD_WRITE requests.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbd_protocol_errors_total",
			Help: "Total protocol violations detected in server replies.",
		}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nbd_commands_in_flight",
			Help: "Current number of commands awaiting a reply.",
		}),
	}

	reg.MustRegister(
		m.CommandsIssued,
		m.CommandsRetired,
		m.BytesRead,
		m.BytesWritten,
		m.ProtocolErrors,
		m.InFlightGauge,
	)
	return m
}

func (m *Metrics) RecordIssue(cmdType string) {
	if m == nil {
		return
	}
	m.CommandsIssued.WithLabelValues(cmdType).Inc()
	m.InFlightGauge.Inc()
}

func (m *Metrics) RecordRetire(cmdType, outcome string) {
	if m == nil {
		return
	}
	m.CommandsRetired.WithLabelValues(cmdType, outcome).Inc()
	m.InFlightGauge.Dec()
}

func (m *Metrics) RecordBytesRead(n int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *Metrics) RecordBytesWritten(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}
