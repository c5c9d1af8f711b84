package nbdmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordIssueAndRetire(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordIssue("read")
	m.RecordRetire("read", "ok")

	if got := testutil.ToFloat64(m.CommandsIssued.WithLabelValues("read")); got != 1 {
		t.Fatalf("CommandsIssued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InFlightGauge); got != 0 {
		t.Fatalf("InFlightGauge after issue+retire = %v, want 0", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordIssue("read")
	m.RecordRetire("read", "ok")
	m.RecordBytesRead(10)
	m.RecordBytesWritten(10)
	m.RecordProtocolError()
}
