package nbd

import (
	"context"

	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/wire"
)

// ShutdownFlags controls how Shutdown winds a connection down.
type ShutdownFlags uint32

const (
	// ShutdownAbandonPending cancels every command still in ToIssue or
	// InFlight instead of waiting for each to retire normally.
	ShutdownAbandonPending ShutdownFlags = 1 << iota
)

// Shutdown sends NBD_CMD_DISC, the graceful replyless disconnect
// pseudo-command, once every previously-issued command has retired, then
// closes the transport. Passing ShutdownAbandonPending skips the wait and
// marks any still-pending command InShutdown before failing it immediately.
func (h *Handle) Shutdown(ctx context.Context, flags ShutdownFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine == nil {
		return nil
	}

	if flags&ShutdownAbandonPending != 0 {
		h.abandonPending()
	} else if err := h.drainPending(ctx); err != nil {
		return err
	}

	if err := h.sendDisc(ctx); err != nil {
		return err
	}

	return h.closeTransport()
}

// abandonPending marks every not-yet-retired command InShutdown and fails it
// immediately with KindShutdown, without waiting for a server reply. The
// stream is being torn down regardless, so there is nothing left to drain a
// partially-written command's remaining bytes into.
func (h *Handle) abandonPending() {
	cancel := func(cmd *queue.Command) {
		cmd.InShutdown = true
		if cmd.Err == nil {
			cmd.Err = &Error{Kind: KindShutdown, Message: "handle is shutting down"}
		}
		if !cmd.Retired() {
			if cmd.Callbacks.Completion != nil {
				cmd.Callbacks.Completion(&cmd.Err)
			}
			cmd.MarkRetired()
		}
		cmd.RunRelease()
	}
	for _, cmd := range h.engine.ToIssue.Drain() {
		cancel(cmd)
	}
	for _, cmd := range h.engine.InFlight.Drain() {
		cancel(cmd)
	}
}

// drainPending drives the engine until every issued command has retired.
func (h *Handle) drainPending(ctx context.Context) *Error {
	return h.drive(ctx, func() bool {
		return h.engine.ToIssue.Empty() && h.engine.InFlight.Empty()
	})
}

// sendDisc issues NBD_CMD_DISC. The server acknowledges it only by closing
// its side of the connection, so there is no reply to wait for; driving
// stops as soon as the command leaves ToIssue.
func (h *Handle) sendDisc(ctx context.Context) *Error {
	cmd := &queue.Command{
		Cookie: h.engine.Cookies.Next(),
		Type:   wire.CmdDisc,
	}
	h.engine.ToIssue.PushBack(cmd)
	err := h.drive(ctx, func() bool {
		return h.engine.ToIssue.FindByCookie(cmd.Cookie) == nil
	})
	if err == nil && h.engine.InFlight.FindByCookie(cmd.Cookie) != nil {
		h.engine.InFlight.Remove(cmd)
	}
	return err
}

func (h *Handle) closeTransport() error {
	var err error
	if h.engine != nil && h.engine.Transport != nil {
		err = h.engine.Transport.Close()
	}
	if h.logCloser != nil {
		h.logCloser.Close()
	}
	if h.pinger != nil {
		h.pinger.Stop(context.Background())
	}
	if h.cmd != nil {
		h.cmd.Wait()
	}
	return err
}

// Close releases h unconditionally: it abandons any pending command, closes
// the transport, and waits for a spawned subprocess (ConnectCommand) if
// any. Unlike Shutdown it performs no protocol exchange and never returns a
// protocol error.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return nil
	}
	h.abandonPending()
	return h.closeTransport()
}
