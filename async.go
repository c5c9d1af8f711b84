package nbd

import (
	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/statemachine"
	"github.com/libnbd-go/nbd/internal/transport"
	"github.com/libnbd-go/nbd/internal/wire"
)

// Direction mirrors transport.Direction for callers driving their own
// readiness loop (epoll/kqueue) instead of using the synchronous façade.
type Direction = transport.Direction

const (
	DirNone  = transport.DirNone
	DirRead  = transport.DirRead
	DirWrite = transport.DirWrite
	DirBoth  = transport.DirBoth
)

// enqueue applies strict-mode prechecks, assigns a cookie, and links cmd
// onto ToIssue without driving the engine. The caller drives progress by
// calling AioNotifyRead/AioNotifyWrite (or the blocking façade's Poll) from
// its own event loop.
func (h *Handle) enqueue(cmd *queue.Command) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine == nil || h.engine.State != statemachine.StateReady {
		return 0, errNotConnected
	}
	if err := h.precheck(cmd.Type, cmd.Flags, cmd.Offset, cmd.Count); err != nil {
		return 0, err
	}

	cmd.Cookie = h.engine.Cookies.Next()
	cmd.MetaContexts = h.snapshotMetaContexts()
	if h.metrics != nil {
		h.metrics.RecordIssue(cmdName(cmd.Type))
	}
	h.engine.ToIssue.PushBack(cmd)
	return cmd.Cookie, nil
}

// AioPread enqueues a read without blocking; cb.Completion fires from a
// later AioNotifyRead/AioNotifyWrite call once the reply is fully decoded.
func (h *Handle) AioPread(buf []byte, offset uint64, cb Callbacks) (uint64, error) {
	return h.enqueue(&queue.Command{
		Type:      wire.CmdRead,
		Offset:    offset,
		Count:     uint32(len(buf)),
		Buffer:    buf,
		Callbacks: cb.toQueue(),
	})
}

// AioPwrite enqueues a write without blocking.
func (h *Handle) AioPwrite(buf []byte, offset uint64, fua bool, cb Callbacks) (uint64, error) {
	var flags uint16
	if fua {
		flags |= wire.CmdFlagFua
	}
	return h.enqueue(&queue.Command{
		Type:      wire.CmdWrite,
		Flags:     flags,
		Offset:    offset,
		Count:     uint32(len(buf)),
		Buffer:    buf,
		Callbacks: cb.toQueue(),
	})
}

// AioFlush enqueues NBD_CMD_FLUSH without blocking.
func (h *Handle) AioFlush(cb Callbacks) (uint64, error) {
	return h.enqueue(&queue.Command{Type: wire.CmdFlush, Callbacks: cb.toQueue()})
}

// AioTrim enqueues NBD_CMD_TRIM without blocking.
func (h *Handle) AioTrim(offset uint64, count uint32, fua bool, cb Callbacks) (uint64, error) {
	var flags uint16
	if fua {
		flags |= wire.CmdFlagFua
	}
	return h.enqueue(&queue.Command{
		Type: wire.CmdTrim, Flags: flags, Offset: offset, Count: count,
		Callbacks: cb.toQueue(),
	})
}

// AioCache enqueues NBD_CMD_CACHE without blocking.
func (h *Handle) AioCache(offset uint64, count uint32, cb Callbacks) (uint64, error) {
	return h.enqueue(&queue.Command{Type: wire.CmdCache, Offset: offset, Count: count, Callbacks: cb.toQueue()})
}

// AioZero enqueues NBD_CMD_WRITE_ZEROES without blocking.
func (h *Handle) AioZero(offset uint64, count uint32, opt ZeroOptions, cb Callbacks) (uint64, error) {
	var flags uint16
	if opt.FUA {
		flags |= wire.CmdFlagFua
	}
	if opt.NoHole {
		flags |= wire.CmdFlagNoHole
	}
	if opt.FastZero {
		flags |= wire.CmdFlagFastZero
	}
	return h.enqueue(&queue.Command{
		Type: wire.CmdWriteZeroes, Flags: flags, Offset: offset, Count: count,
		Callbacks: cb.toQueue(),
	})
}

// AioBlockStatus enqueues NBD_CMD_BLOCK_STATUS without blocking.
func (h *Handle) AioBlockStatus(offset uint64, count uint32, reqOne bool, cb Callbacks) (uint64, error) {
	var flags uint16
	if reqOne {
		flags |= wire.CmdFlagReqOne
	}
	return h.enqueue(&queue.Command{
		Type: wire.CmdBlockStatus, Flags: flags, Offset: offset, Count: count,
		Callbacks: cb.toQueue(),
	})
}

// pump drives the engine until it can make no further progress without new
// I/O, the way AioNotifyRead/AioNotifyWrite feed an external readiness
// event into the otherwise caller-driven state machine.
func (h *Handle) pump() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return errNotConnected
	}
	for {
		out := h.engine.Step()
		if out.Err != nil {
			if h.metrics != nil {
				h.metrics.RecordProtocolError()
			}
			return h.setErr(out.Err)
		}
		if !out.Advance {
			return nil
		}
	}
}

// AioNotifyRead tells h its transport's file descriptor is readable.
func (h *Handle) AioNotifyRead() error { return h.pump() }

// AioNotifyWrite tells h its transport's file descriptor is writable.
func (h *Handle) AioNotifyWrite() error { return h.pump() }

// AioGetFd returns the transport's file descriptor, or -1 if none is
// exposed (e.g. before Connect or over an fd-less test transport).
func (h *Handle) AioGetFd() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil || h.engine.Transport == nil {
		return -1
	}
	return h.engine.Transport.FD()
}

// AioGetDirection reports which way the caller's event loop should wait
// before calling AioNotifyRead/AioNotifyWrite again.
func (h *Handle) AioGetDirection() Direction {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil || h.engine.Transport == nil {
		return DirNone
	}
	return h.engine.Transport.Direction()
}

// AioIsReady reports whether h has finished its handshake and can accept
// new commands.
func (h *Handle) AioIsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil && h.engine.State == statemachine.StateReady
}

// AioIsDead reports whether h's engine has failed terminally.
func (h *Handle) AioIsDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil && h.engine.State == statemachine.StateDead
}

// AioIsClosed reports whether h has completed a graceful shutdown.
func (h *Handle) AioIsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil && h.engine.State == statemachine.StateClosed
}

// AioInFlight returns the number of commands queued to issue plus commands
// awaiting a reply.
func (h *Handle) AioInFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return 0
	}
	return h.engine.ToIssue.Len() + h.engine.InFlight.Len()
}

// AioPeekCommandCompleted reports whether cookie has retired and is sitting
// in the done list awaiting AioCommandCompleted, without consuming it.
func (h *Handle) AioPeekCommandCompleted(cookie uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return false
	}
	return h.engine.Done.FindByCookie(cookie) != nil
}

// AioCommandCompleted finishes a command whose CompletionCallback deferred
// retirement (returned nonzero), releasing its resources and returning its
// recorded error. It is a no-op error (KindInvalidArgument) if cookie is not
// in the done list.
func (h *Handle) AioCommandCompleted(cookie uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return errNotConnected
	}
	cmd := h.engine.Done.FindByCookie(cookie)
	if cmd == nil {
		return invalidArgument("cookie %d is not a completed command awaiting release", cookie)
	}
	h.engine.Done.Remove(cmd)
	cmd.RunRelease()
	if cmd.Err != nil {
		return h.setErr(cmd.Err)
	}
	return nil
}
