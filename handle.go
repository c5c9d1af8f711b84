// Package nbd is a non-blocking NBD (Network Block Device) client. A
// Handle drives exactly one connection through handshake, option
// negotiation, and transmission; callers choose the synchronous façade
// (sync.go, blocking) or the asynchronous one (async.go, poll-driven) per
// command.
package nbd

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/libnbd-go/nbd/internal/healthsched"
	"github.com/libnbd-go/nbd/internal/nbdlog"
	"github.com/libnbd-go/nbd/internal/nbdmetrics"
	"github.com/libnbd-go/nbd/internal/statemachine"
	"github.com/libnbd-go/nbd/internal/transport"
	"github.com/libnbd-go/nbd/internal/wire"
)

// Handle owns one connection's Transport, state machine, and
// configuration. Exactly one call may be in progress on a Handle at any
// time; multiple Handles are fully independent and may be driven
// concurrently from different goroutines.
type Handle struct {
	mu sync.Mutex

	engine *statemachine.Engine

	strict StrictFlags
	debug  bool

	// traceID identifies this Handle across every log line it emits,
	// letting a multi-connection process's logs be filtered down to one
	// connection's lifetime.
	traceID string

	logger      *slog.Logger
	logCloser   io.Closer
	metrics     *nbdmetrics.Metrics
	pinger      *healthsched.Pinger
	privateData any

	lastErr *Error

	tlsConfig *transport.TLSConfig

	// cmd is set by ConnectCommand; Close waits for it after shutting down
	// the transport.
	cmd *exec.Cmd
}

// NewHandle constructs a Handle with no Transport attached. Call one of the
// Connect* functions to establish a connection and drive the handshake.
func NewHandle() *Handle {
	h := &Handle{
		strict:  StrictAll,
		traceID: uuid.NewString(),
	}
	h.logger = nbdlog.Discard().With("trace_id", h.traceID)
	if os.Getenv("NBD_GO_DEBUG") == "1" {
		h.debug = true
	}
	return h
}

// TraceID returns the identifier attached to every structured log line this
// Handle emits, assigned once at NewHandle and stable for the Handle's
// entire lifetime.
func (h *Handle) TraceID() string { return h.traceID }

// SetStrictMode replaces h's strict-mode policy bitmask.
func (h *Handle) SetStrictMode(flags StrictFlags) { h.strict = flags }

// StrictMode returns h's current strict-mode policy bitmask.
func (h *Handle) StrictMode() StrictFlags { return h.strict }

// SetDebug toggles verbose protocol tracing.
func (h *Handle) SetDebug(on bool) { h.debug = on }

// SetLogger installs logger (and its Closer, which SetLogger itself will
// close before replacing it) as h's structured logger. The zero value for
// closer is fine if logger owns no file handle.
func (h *Handle) SetLogger(logger *slog.Logger, closer io.Closer) {
	if h.logCloser != nil {
		h.logCloser.Close()
	}
	h.logger = logger.With("trace_id", h.traceID)
	h.logCloser = closer
}

// SetMetricsRegistry enables Prometheus counters for h, registered against
// reg. Call before Connect to capture every command.
func (h *Handle) SetMetricsRegistry(reg prometheus.Registerer) {
	h.metrics = nbdmetrics.New(reg)
}

// SetPrivateData attaches an arbitrary caller-owned opaque value to h.
func (h *Handle) SetPrivateData(v any) { h.privateData = v }

// PrivateData returns the value last passed to SetPrivateData, or nil.
func (h *Handle) PrivateData() any { return h.privateData }

// Connected reports whether h has completed its handshake and is ready to
// issue transmission-phase commands.
func (h *Handle) Connected() bool {
	return h.engine != nil && h.engine.State == statemachine.StateReady
}

// ExportSize returns the negotiated export size, valid once Connected.
func (h *Handle) ExportSize() uint64 {
	if h.engine == nil {
		return 0
	}
	return h.engine.Session.ExportSize
}

// ExportName returns the negotiated export's canonical name if the server
// reported one via NBD_INFO_NAME, otherwise the name the client requested.
func (h *Handle) ExportName() string {
	if h.engine == nil {
		return ""
	}
	if h.engine.Session.CanonicalName != "" {
		return h.engine.Session.CanonicalName
	}
	return h.engine.Session.ExportName
}

// CanFlush, CanTrim, CanZero, CanDF, CanMultiConn, CanCache, CanBlockStatus,
// IsRotational, IsReadOnly, CanResize report negotiated export capability
// bits.
func (h *Handle) CanFlush() bool     { return h.hasFlag(wire.FlagSendFlush) }
func (h *Handle) CanTrim() bool      { return h.hasFlag(wire.FlagSendTrim) }
func (h *Handle) CanZero() bool      { return h.hasFlag(wire.FlagSendWriteZeroes) }
func (h *Handle) CanDF() bool        { return h.hasFlag(wire.FlagSendDF) }
func (h *Handle) CanMultiConn() bool { return h.hasFlag(wire.FlagCanMultiConn) }
func (h *Handle) CanCache() bool     { return h.hasFlag(wire.FlagSendCache) }
func (h *Handle) CanBlockStatus() bool {
	return h.hasFlag(wire.FlagSendDF) || h.hasFlag(wire.FlagBlockStatusPayload)
}
func (h *Handle) IsRotational() bool { return h.hasFlag(wire.FlagRotational) }
func (h *Handle) IsReadOnly() bool   { return h.hasFlag(wire.FlagReadOnly) }
func (h *Handle) CanResize() bool    { return h.hasFlag(wire.FlagSendResize) }

func (h *Handle) hasFlag(bit uint16) bool {
	if h.engine == nil {
		return false
	}
	return h.engine.Session.ExportFlags&bit != 0
}

// BlockSizeConstraints returns the negotiated minimum/preferred/maximum
// block sizes; zero values mean the server did not report them.
func (h *Handle) BlockSizeConstraints() (min, preferred, max uint32) {
	if h.engine == nil {
		return 0, 0, 0
	}
	return h.engine.Session.BlockMin, h.engine.Session.BlockPreferred, h.engine.Session.BlockMax
}

// TLSActive reports whether the connection is currently running over TLS.
func (h *Handle) TLSActive() bool {
	return h.engine != nil && h.engine.Session.TLSActive
}

// SetMaxBytesPerSecond adjusts h's outbound throughput cap in place. If the
// connection wasn't already throttled (ConnectOptions.MaxBytesPerSecond was
// zero), this wraps its transport with a new limiter; a bytesPerSec of 0
// disables any limit already in place by swapping the throttle back out.
func (h *Handle) SetMaxBytesPerSecond(bytesPerSec int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return errNotConnected
	}

	if th, ok := h.engine.Transport.(*transport.Throttled); ok {
		if bytesPerSec <= 0 {
			h.engine.Transport = th.Transport
			return nil
		}
		th.SetMaxBytesPerSecond(bytesPerSec)
		return nil
	}
	if bytesPerSec > 0 {
		h.engine.Transport = transport.NewThrottled(h.engine.Transport, bytesPerSec)
	}
	return nil
}
