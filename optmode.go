package nbd

import (
	"context"

	"github.com/libnbd-go/nbd/internal/statemachine"
)

// ListEntry is one export the server reported in reply to OptList.
type ListEntry = statemachine.ListEntry

// optModeReady returns errNotConnected unless h has an engine sitting in
// option mode, waiting for the caller to drive the next option.
func (h *Handle) optModeReady() error {
	if h.engine == nil || h.engine.State != statemachine.StateOption {
		return errNotConnected
	}
	return nil
}

// runOpt drives a just-started option to completion and converts the
// *Error runToCompletion returns into a plain error, so a nil result here
// is a true nil interface rather than a non-nil error wrapping a nil
// *Error.
func (h *Handle) runOpt(ctx context.Context, out statemachine.Outcome) error {
	if err := h.runToCompletion(ctx, out); err != nil {
		return err
	}
	return nil
}

// OptList asks the server which exports it offers, invoking entry once per
// export reported. Valid only while ConnectOptions.OptMode negotiation is
// paused in option mode, before OptGo or OptAbort ends it.
func (h *Handle) OptList(ctx context.Context, entry func(ListEntry)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptList(entry))
}

// OptInfo asks the server for the facts it would report about exportName
// (size, flags, block size constraints, canonical name/description) without
// selecting it, invoking onInfo once per fact the server sends. The facts
// are recorded onto h's session the same way OptGo's would be, readable
// immediately afterward via ExportSize/BlockSizeConstraints/ExportName.
func (h *Handle) OptInfo(ctx context.Context, exportName string, onInfo func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptInfo(exportName, onInfo))
}

// OptListMetaContextQueries probes which metadata context queries the
// server would honor for exportName, invoking onContext once per context
// name it would activate, without actually activating any of them.
func (h *Handle) OptListMetaContextQueries(ctx context.Context, exportName string, queries []string, onContext func(name string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptListMetaContextQueries(exportName, queries, onContext))
}

// OptStartTLS upgrades the connection to TLS mid-negotiation. Once it
// succeeds every previously negotiated structured-reply/meta-context fact
// must be rediscovered, since a fresh server process may be speaking for
// the export behind the TLS terminator.
func (h *Handle) OptStartTLS(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptStartTLS())
}

// OptStructuredReply requests structured replies for the rest of this
// connection's transmission phase.
func (h *Handle) OptStructuredReply(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptStructuredReply())
}

// OptSetMetaContext activates queries (e.g. "base:allocation") against the
// export named by ConnectOptions.ExportName (OptInfo does not change it),
// required before BlockStatus can report anything.
func (h *Handle) OptSetMetaContext(ctx context.Context, queries []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptSetMetaContext(queries))
}

// OptGo selects exportName and ends option-mode negotiation, falling back
// to the legacy OPT_EXPORT_NAME request if the server doesn't support GO.
// On success h transitions to the ready state and every synchronous and
// asynchronous command becomes usable.
func (h *Handle) OptGo(ctx context.Context, exportName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	return h.runOpt(ctx, h.engine.RunOptGo(exportName))
}

// OptAbort tells the server the client is done negotiating and is about to
// disconnect, then closes the transport. Use this instead of OptGo when
// OptList/OptInfo was enough and no export will be selected.
func (h *Handle) OptAbort(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.optModeReady(); err != nil {
		return err
	}
	if err := h.runToCompletion(ctx, h.engine.RunOptAbort()); err != nil {
		return err
	}
	return h.closeTransport()
}
