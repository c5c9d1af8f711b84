package nbd

import (
	"context"

	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/statemachine"
	"github.com/libnbd-go/nbd/internal/wire"
)

func cmdName(t uint16) string {
	switch t {
	case wire.CmdRead:
		return "read"
	case wire.CmdWrite:
		return "write"
	case wire.CmdDisc:
		return "disc"
	case wire.CmdFlush:
		return "flush"
	case wire.CmdTrim:
		return "trim"
	case wire.CmdCache:
		return "cache"
	case wire.CmdWriteZeroes:
		return "write_zeroes"
	case wire.CmdBlockStatus:
		return "block_status"
	default:
		return "unknown"
	}
}

// snapshotMetaContexts inverts the engine's live name->id map into the
// id->name map a Command carries, so a BLOCK_STATUS reply arriving after a
// later SET_META_CONTEXT still resolves against what was negotiated at
// issue time.
func (h *Handle) snapshotMetaContexts() map[uint32]string {
	out := make(map[uint32]string, len(h.engine.Session.MetaContexts))
	for name, id := range h.engine.Session.MetaContexts {
		out[id] = name
	}
	return out
}

// runSync enqueues cmd, applies strict-mode prechecks, and blocks until it
// retires, returning its recorded error classified as *Error.
func (h *Handle) runSync(ctx context.Context, cmd *queue.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine == nil || h.engine.State != statemachine.StateReady {
		return errNotConnected
	}
	if err := h.precheck(cmd.Type, cmd.Flags, cmd.Offset, cmd.Count); err != nil {
		return err
	}

	cmd.Cookie = h.engine.Cookies.Next()
	cmd.MetaContexts = h.snapshotMetaContexts()
	if h.metrics != nil {
		h.metrics.RecordIssue(cmdName(cmd.Type))
	}

	done := false
	userCompletion := cmd.Callbacks.Completion
	cmd.Callbacks.Completion = func(cmdErr *error) int {
		if userCompletion != nil {
			userCompletion(cmdErr)
		}
		done = true
		return 0
	}

	h.engine.ToIssue.PushBack(cmd)
	if err := h.drive(ctx, func() bool { return done }); err != nil {
		return err
	}

	if h.metrics != nil {
		outcome := "ok"
		if cmd.Err != nil {
			outcome = "error"
		}
		h.metrics.RecordRetire(cmdName(cmd.Type), outcome)
	}
	switch cmd.Type {
	case wire.CmdRead:
		if h.metrics != nil && cmd.Err == nil {
			h.metrics.RecordBytesRead(int(cmd.Count))
		}
	case wire.CmdWrite:
		if h.metrics != nil && cmd.Err == nil {
			h.metrics.RecordBytesWritten(int(cmd.Count))
		}
	}

	if cmd.Err != nil {
		return h.setErr(cmd.Err)
	}
	return nil
}

// Pread reads len(buf) bytes at offset into buf.
func (h *Handle) Pread(ctx context.Context, buf []byte, offset uint64) error {
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdRead,
		Offset: offset,
		Count:  uint32(len(buf)),
		Buffer: buf,
	})
}

// PreadStructured reads len(buf) bytes at offset, invoking chunk for every
// structured-reply chunk the server sends (or once, covering the whole
// command, if structured replies are not active).
func (h *Handle) PreadStructured(ctx context.Context, buf []byte, offset uint64, chunk ChunkCallback) error {
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdRead,
		Offset: offset,
		Count:  uint32(len(buf)),
		Buffer: buf,
		Callbacks: queue.Callbacks{
			Chunk: chunk,
		},
	})
}

// Pwrite writes buf to offset. fua requests NBD_CMD_FLAG_FUA.
func (h *Handle) Pwrite(ctx context.Context, buf []byte, offset uint64, fua bool) error {
	var flags uint16
	if fua {
		flags |= wire.CmdFlagFua
	}
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdWrite,
		Flags:  flags,
		Offset: offset,
		Count:  uint32(len(buf)),
		Buffer: buf,
	})
}

// Flush issues NBD_CMD_FLUSH, requesting the server commit all prior writes
// to stable storage before replying.
func (h *Handle) Flush(ctx context.Context) error {
	return h.runSync(ctx, &queue.Command{Type: wire.CmdFlush})
}

// Trim requests the server deallocate count bytes at offset. fua requests
// NBD_CMD_FLAG_FUA.
func (h *Handle) Trim(ctx context.Context, offset uint64, count uint32, fua bool) error {
	var flags uint16
	if fua {
		flags |= wire.CmdFlagFua
	}
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdTrim,
		Flags:  flags,
		Offset: offset,
		Count:  count,
	})
}

// Cache requests the server prefetch count bytes at offset into its cache.
func (h *Handle) Cache(ctx context.Context, offset uint64, count uint32) error {
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdCache,
		Offset: offset,
		Count:  count,
	})
}

// ZeroOptions bundles the optional flags Zero may set.
type ZeroOptions struct {
	FUA      bool
	NoHole   bool
	FastZero bool
}

// Zero requests the server write count zero bytes at offset.
func (h *Handle) Zero(ctx context.Context, offset uint64, count uint32, opt ZeroOptions) error {
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
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdWriteZeroes,
		Flags:  flags,
		Offset: offset,
		Count:  count,
	})
}

// BlockStatus queries count bytes of metadata status at offset, invoking
// extent once per context reported in the BLOCK_STATUS reply. reqOne
// requests NBD_CMD_FLAG_REQ_ONE (at most one extent per context).
func (h *Handle) BlockStatus(ctx context.Context, offset uint64, count uint32, reqOne bool, extent ExtentCallback) error {
	var flags uint16
	if reqOne {
		flags |= wire.CmdFlagReqOne
	}
	return h.runSync(ctx, &queue.Command{
		Type:   wire.CmdBlockStatus,
		Flags:  flags,
		Offset: offset,
		Count:  count,
		Callbacks: queue.Callbacks{
			Extent: extent,
		},
	})
}
