package nbd

import (
	"context"
	"time"

	"github.com/libnbd-go/nbd/internal/statemachine"
)

// runToCompletion drives a just-started option-mode operation (whose first
// Outcome is first) to Advance or Err, resuming through h.engine.Step —
// Step dispatches whatever resumable sub-step the operation installed,
// regardless of which call originally triggered it.
func (h *Handle) runToCompletion(ctx context.Context, first statemachine.Outcome) *Error {
	out := first
	backoff := pollBackoffMin
	for {
		if out.Err != nil {
			return h.setErr(out.Err)
		}
		if out.Advance {
			return nil
		}
		select {
		case <-ctx.Done():
			return &Error{Kind: KindTimeout, Message: "deadline exceeded while waiting", Cause: ctx.Err()}
		case <-time.After(backoff):
		}
		if backoff < pollBackoffMax {
			backoff *= 2
			if backoff > pollBackoffMax {
				backoff = pollBackoffMax
			}
		}
		out = h.engine.Step()
	}
}

// pollBackoffMin/Max bound the sleep between Step attempts when neither
// direction is ready. Engine.Step never blocks itself; driving it to
// completion synchronously means the caller supplies the wait, and a short
// exponential backoff avoids spinning a full CPU core on a connection
// that's simply idle waiting on the network. This quality-of-wait detail is
// explicitly a thin convenience layer, not the protocol engine itself.
const (
	pollBackoffMin = 200 * time.Microsecond
	pollBackoffMax = 20 * time.Millisecond
)

// drive runs h.engine.Step in a loop until stop returns true, an error
// occurs, or ctx is done. stop is checked after every Advance so callers
// can watch for e.g. a specific command retiring.
func (h *Handle) drive(ctx context.Context, stop func() bool) *Error {
	backoff := pollBackoffMin
	for {
		if stop != nil && stop() {
			return nil
		}
		select {
		case <-ctx.Done():
			return &Error{Kind: KindTimeout, Message: "deadline exceeded while waiting", Cause: ctx.Err()}
		default:
		}

		out := h.engine.Step()
		if out.Err != nil {
			if h.metrics != nil {
				h.metrics.RecordProtocolError()
			}
			return h.setErr(out.Err)
		}
		if out.Advance {
			backoff = pollBackoffMin
			continue
		}

		// Engine says it's waiting on the transport; a real epoll/kqueue
		// loop would block on out.Wait here. Without OS-level readiness
		// plumbing in this package, a short increasing sleep stands in for
		// that wait, per the same "thin blocking helper" note above.
		_ = out.Wait
		select {
		case <-ctx.Done():
			return &Error{Kind: KindTimeout, Message: "deadline exceeded while waiting", Cause: ctx.Err()}
		case <-time.After(backoff):
		}
		if backoff < pollBackoffMax {
			backoff *= 2
			if backoff > pollBackoffMax {
				backoff = pollBackoffMax
			}
		}
	}
}

// Poll drives h's handshake to completion: until the engine reaches
// StateReady, or until it reaches StateOption with option mode configured
// (the caller drives options one at a time from there via the Opt* methods),
// or an error/timeout occurs. In non-option-mode negotiation StateOption is
// only a transient bounce between queued options, never a caller-visible
// pause, so it must not stop the drive loop there. It is the blocking entry
// point Connect* builds on.
func (h *Handle) Poll(ctx context.Context) error {
	err := h.drive(ctx, func() bool {
		switch h.engine.State {
		case statemachine.StateReady:
			return true
		case statemachine.StateOption:
			return h.engine.Config.OptMode
		default:
			return false
		}
	})
	if err != nil {
		return err
	}
	return nil
}
