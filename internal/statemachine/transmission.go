package statemachine

import (
	"fmt"

	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/reply"
	"github.com/libnbd-go/nbd/internal/transport"
	"github.com/libnbd-go/nbd/internal/wire"
)

// stepReadyPump is the transmission-phase core: READY/ISSUE/REPLY collapsed
// into one dispatcher, since in this design each side's progress is tracked
// by its own resumable closure rather than a further State split. Reply
// processing is always attempted first, breaking the read+write deadlock
// the tie-break note in the design calls out: a server blocked waiting for
// us to drain a reply never gets starved by our own pending writes.
func stepReadyPump(e *Engine) Outcome {
	e.State = StateReady

	replyOut := e.pumpReply()
	if replyOut.Err != nil || replyOut.Advance {
		return replyOut
	}

	issueOut := e.pumpIssue()
	if issueOut.Err != nil || issueOut.Advance {
		return issueOut
	}

	return Outcome{Wait: combineDirection(replyOut.Wait, issueOut.Wait)}
}

func combineDirection(a, b transport.Direction) transport.Direction {
	if a == b {
		return a
	}
	if a == transport.DirNone {
		return b
	}
	if b == transport.DirNone {
		return a
	}
	return transport.DirBoth
}

// --- reply side ------------------------------------------------------------

func (e *Engine) pumpReply() Outcome {
	if e.replyResume != nil {
		return e.replyResume(e)
	}
	return e.tryBeginReply()
}

func (e *Engine) tryBeginReply() Outcome {
	buf := make([]byte, 4)
	p := &progress{}
	return e.resumeReplyMagic(buf, p)
}

func (e *Engine) resumeReplyMagic(buf []byte, p *progress) Outcome {
	done, out := recvInto(e.Transport, buf, p)
	if !done {
		if out.Err != nil {
			return out
		}
		e.replyResume = func(e *Engine) Outcome { return e.resumeReplyMagic(buf, p) }
		return out
	}
	e.replyResume = nil

	switch wire.ReplyMagicOf(buf) {
	case wire.SimpleReplyMagic:
		return e.continueSimpleReply(buf)
	case wire.StructuredReplyMagic:
		return e.continueStructuredReplyHeader(buf)
	default:
		return Outcome{Err: fmt.Errorf("%w: invalid reply magic 0x%x", ErrProtocol, wire.ReplyMagicOf(buf))}
	}
}

func (e *Engine) continueSimpleReply(magic []byte) Outcome {
	buf := make([]byte, wire.SimpleReplyHeaderSize)
	copy(buf[:4], magic)
	p := &progress{n: 4}
	return e.resumeSimpleReplyTail(buf, p)
}

func (e *Engine) resumeSimpleReplyTail(buf []byte, p *progress) Outcome {
	done, out := recvInto(e.Transport, buf, p)
	if !done {
		e.replyResume = func(e *Engine) Outcome { return e.resumeSimpleReplyTail(buf, p) }
		return out
	}
	e.replyResume = nil
	return e.handleSimpleReply(wire.DecodeSimpleReply(buf))
}

func (e *Engine) handleSimpleReply(sr wire.SimpleReply) Outcome {
	cmd := e.InFlight.FindByCookie(sr.Cookie)
	if cmd == nil {
		if sr.Error != 0 || e.Session.StructuredReplies {
			return Outcome{Advance: true}
		}
		return Outcome{Err: fmt.Errorf("%w: simple reply for unknown cookie %d, stream desynchronized", ErrProtocol, sr.Cookie)}
	}

	if sr.Error != 0 {
		cmd.Err = errnoError(sr.Error)
		e.retireCommand(cmd)
		return Outcome{Advance: true}
	}

	if cmd.Type == wire.CmdRead {
		p := &progress{}
		return e.resumeSimpleReadPayload(cmd, p)
	}

	e.retireCommand(cmd)
	return Outcome{Advance: true}
}

func (e *Engine) resumeSimpleReadPayload(cmd *queue.Command, p *progress) Outcome {
	done, out := recvInto(e.Transport, cmd.Buffer[:cmd.Count], p)
	if !done {
		e.replyResume = func(e *Engine) Outcome { return e.resumeSimpleReadPayload(cmd, p) }
		return out
	}
	e.replyResume = nil
	deliverChunk(cmd, queue.ChunkReadData, cmd.Offset, cmd.Count)
	e.retireCommand(cmd)
	return Outcome{Advance: true}
}

func (e *Engine) continueStructuredReplyHeader(magic []byte) Outcome {
	buf := make([]byte, wire.StructuredReplyHeaderSize)
	copy(buf[:4], magic)
	p := &progress{n: 4}
	return e.resumeStructuredHeaderTail(buf, p)
}

func (e *Engine) resumeStructuredHeaderTail(buf []byte, p *progress) Outcome {
	done, out := recvInto(e.Transport, buf, p)
	if !done {
		e.replyResume = func(e *Engine) Outcome { return e.resumeStructuredHeaderTail(buf, p) }
		return out
	}
	e.replyResume = nil
	return e.dispatchStructuredReply(wire.DecodeStructuredReplyHeader(buf))
}

func (e *Engine) dispatchStructuredReply(hdr wire.StructuredReplyHeader) Outcome {
	cmd := e.InFlight.FindByCookie(hdr.Cookie)

	if hdr.Type == wire.ReplyTypeNone {
		if cmd != nil && hdr.Flags&wire.ReplyFlagDone != 0 {
			e.finishLedger(cmd)
			e.retireCommand(cmd)
		}
		return Outcome{Advance: true}
	}

	if cmd == nil {
		// Tolerate a sloppy server the same way a simple reply does:
		// drain the chunk payload to stay framed, then drop it.
		return e.readPayloadThen(hdr.Length, func(e *Engine, _ []byte) Outcome { return Outcome{Advance: true} })
	}

	switch hdr.Type {
	case wire.ReplyTypeOffsetData:
		return e.beginOffsetData(cmd, hdr)
	case wire.ReplyTypeOffsetHole:
		return e.readPayloadThen(hdr.Length, func(e *Engine, payload []byte) Outcome {
			return e.finishOffsetHole(cmd, hdr, payload)
		})
	case wire.ReplyTypeBlockStatus:
		return e.readPayloadThen(hdr.Length, func(e *Engine, payload []byte) Outcome {
			return e.finishBlockStatus(cmd, hdr, payload)
		})
	case wire.ReplyTypeError, wire.ReplyTypeErrorOffset:
		return e.readPayloadThen(hdr.Length, func(e *Engine, payload []byte) Outcome {
			return e.finishErrorChunk(cmd, hdr, payload)
		})
	default:
		return Outcome{Err: fmt.Errorf("%w: unknown structured reply chunk type 0x%x", ErrProtocol, hdr.Type)}
	}
}

// readPayloadThen reads exactly n bytes and hands them to then, used by
// every chunk type whose payload is read as a single blob (everything
// except OFFSET_DATA, whose payload is partly copied straight into the
// command's buffer instead of a scratch allocation). n is server-supplied;
// a declared length beyond the engine's staging cap is refused before any
// allocation happens, rather than handing a malformed server unbounded
// control over client memory.
func (e *Engine) readPayloadThen(n uint32, then func(e *Engine, payload []byte) Outcome) Outcome {
	if int(n) > e.stagingCap() {
		return Outcome{Err: fmt.Errorf("%w: chunk payload of %d bytes exceeds staging cap of %d", ErrProtocol, n, e.stagingCap())}
	}
	buf := make([]byte, n)
	p := &progress{}
	return e.resumePayload(buf, p, then)
}

func (e *Engine) resumePayload(buf []byte, p *progress, then func(e *Engine, payload []byte) Outcome) Outcome {
	done, out := recvInto(e.Transport, buf, p)
	if !done {
		e.replyResume = func(e *Engine) Outcome { return e.resumePayload(buf, p, then) }
		return out
	}
	e.replyResume = nil
	return then(e, buf)
}

func (e *Engine) beginOffsetData(cmd *queue.Command, hdr wire.StructuredReplyHeader) Outcome {
	offBuf := make([]byte, 8)
	p := &progress{}
	return e.resumeOffsetDataOffset(cmd, hdr, offBuf, p)
}

func (e *Engine) resumeOffsetDataOffset(cmd *queue.Command, hdr wire.StructuredReplyHeader, offBuf []byte, p *progress) Outcome {
	done, out := recvInto(e.Transport, offBuf, p)
	if !done {
		e.replyResume = func(e *Engine) Outcome { return e.resumeOffsetDataOffset(cmd, hdr, offBuf, p) }
		return out
	}
	e.replyResume = nil

	if hdr.Length < 8 {
		return Outcome{Err: fmt.Errorf("%w: OFFSET_DATA chunk length %d too short for its own offset field", ErrProtocol, hdr.Length)}
	}
	offset := wire.DecodeOffsetDataHeader(offBuf)
	dataLen := hdr.Length - 8
	if offset < cmd.Offset || offset+uint64(dataLen) > cmd.Offset+uint64(cmd.Count) {
		return Outcome{Err: fmt.Errorf("%w: OFFSET_DATA [%d,%d) outside command window", ErrProtocol, offset, offset+uint64(dataLen))}
	}

	start := offset - cmd.Offset
	target := cmd.Buffer[start : start+uint64(dataLen)]
	pp := &progress{}
	return e.resumeOffsetDataPayload(cmd, hdr, offset, dataLen, target, pp)
}

func (e *Engine) resumeOffsetDataPayload(cmd *queue.Command, hdr wire.StructuredReplyHeader, offset uint64, dataLen uint32, target []byte, p *progress) Outcome {
	done, out := recvInto(e.Transport, target, p)
	if !done {
		e.replyResume = func(e *Engine) Outcome { return e.resumeOffsetDataPayload(cmd, hdr, offset, dataLen, target, p) }
		return out
	}
	e.replyResume = nil

	if err := e.ledgerFor(cmd).Add(offset, dataLen); err != nil {
		if cmd.Err == nil {
			cmd.Err = err
		}
	} else {
		deliverChunk(cmd, queue.ChunkReadData, offset, dataLen)
	}

	if hdr.Flags&wire.ReplyFlagDone != 0 {
		e.finishLedger(cmd)
		e.retireCommand(cmd)
	}
	return Outcome{Advance: true}
}

func (e *Engine) finishOffsetHole(cmd *queue.Command, hdr wire.StructuredReplyHeader, payload []byte) Outcome {
	hole, err := wire.DecodeOffsetHole(payload)
	if err != nil {
		return Outcome{Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
	}

	if cmd.Flags&wire.CmdFlagDF != 0 {
		if cmd.Err == nil {
			cmd.Err = fmt.Errorf("%w: server sent a hole chunk for a DF request", ErrProtocol)
		}
	} else if hole.Offset < cmd.Offset || hole.Offset+uint64(hole.Length) > cmd.Offset+uint64(cmd.Count) {
		if cmd.Err == nil {
			cmd.Err = fmt.Errorf("%w: OFFSET_HOLE outside command window", ErrProtocol)
		}
	} else {
		start := hole.Offset - cmd.Offset
		region := cmd.Buffer[start : start+uint64(hole.Length)]
		for i := range region {
			region[i] = 0
		}
		if err := e.ledgerFor(cmd).Add(hole.Offset, hole.Length); err != nil {
			if cmd.Err == nil {
				cmd.Err = err
			}
		} else {
			deliverChunk(cmd, queue.ChunkReadHole, hole.Offset, hole.Length)
		}
	}

	if hdr.Flags&wire.ReplyFlagDone != 0 {
		e.finishLedger(cmd)
		e.retireCommand(cmd)
	}
	return Outcome{Advance: true}
}

func (e *Engine) finishBlockStatus(cmd *queue.Command, hdr wire.StructuredReplyHeader, payload []byte) Outcome {
	if len(payload) >= 4 && !cmd.ChunkAborted {
		contextID := wire.DecodeBlockStatusContextID(payload)
		extents := wire.DecodeExtents(payload[4:])
		name := contextNameFor(cmd, contextID)
		if cmd.Callbacks.Extent != nil && cmd.Callbacks.Extent(name, extents, &cmd.Err) < 0 {
			cmd.ChunkAborted = true
		}
	}
	if hdr.Flags&wire.ReplyFlagDone != 0 {
		e.retireCommand(cmd)
	}
	return Outcome{Advance: true}
}

// deliverChunk invokes cmd's Chunk callback unless a prior chunk already
// aborted delivery, and records a negative return as an abort for every
// later chunk on this command, plus a protocol error when cmd has no error
// yet.
func deliverChunk(cmd *queue.Command, status queue.ChunkStatus, offset uint64, length uint32) {
	if cmd.ChunkAborted || cmd.Callbacks.Chunk == nil {
		return
	}
	if cmd.Callbacks.Chunk(status, offset, length, &cmd.Err) < 0 {
		cmd.ChunkAborted = true
		if cmd.Err == nil {
			cmd.Err = fmt.Errorf("%w: chunk callback aborted delivery", ErrProtocol)
		}
	}
}

func contextNameFor(cmd *queue.Command, id uint32) string {
	if name, ok := cmd.MetaContexts[id]; ok {
		return name
	}
	return ""
}

func (e *Engine) finishErrorChunk(cmd *queue.Command, hdr wire.StructuredReplyHeader, payload []byte) Outcome {
	re, err := wire.DecodeReplyError(payload, hdr.Type == wire.ReplyTypeErrorOffset)
	if err != nil {
		return Outcome{Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
	}
	cmd.Err = fmt.Errorf("statemachine: server reported error %d: %s", re.Code, re.Message)
	deliverChunk(cmd, queue.ChunkReadError, re.Offset, 0)
	if hdr.Flags&wire.ReplyFlagDone != 0 {
		e.retireCommand(cmd)
	}
	return Outcome{Advance: true}
}

func (e *Engine) ledgerFor(cmd *queue.Command) *reply.Ledger {
	l, ok := e.ledgers[cmd.Cookie]
	if !ok {
		l = reply.NewLedger(cmd.Offset, cmd.Count, cmd.Flags&wire.CmdFlagDF != 0)
		e.ledgers[cmd.Cookie] = l
	}
	return l
}

func (e *Engine) finishLedger(cmd *queue.Command) {
	l, ok := e.ledgers[cmd.Cookie]
	if !ok {
		return
	}
	if err := l.Validate(); err != nil && cmd.Err == nil {
		cmd.Err = err
	}
	delete(e.ledgers, cmd.Cookie)
}

// retireCommand moves cmd from in-flight to done and runs its completion
// callback. A zero return auto-retires (release runs immediately and the
// command never appears in Done to external callers); a nonzero return
// defers retirement, leaving cmd in Done until the caller invokes
// AioCommandCompleted.
func (e *Engine) retireCommand(cmd *queue.Command) {
	if cmd == nil {
		return
	}
	e.InFlight.Remove(cmd)
	e.Done.PushBack(cmd)

	ret := 0
	if cmd.Callbacks.Completion != nil {
		ret = cmd.Callbacks.Completion(&cmd.Err)
	}
	cmd.MarkRetired()

	if ret == 0 {
		e.Done.Remove(cmd)
		cmd.RunRelease()
	}
}

func errnoError(code uint32) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("statemachine: server returned error code %d", code)
}

// --- issue side --------------------------------------------------------

func (e *Engine) pumpIssue() Outcome {
	if e.issueResume != nil {
		return e.issueResume(e)
	}
	return e.tryBeginIssue()
}

func (e *Engine) tryBeginIssue() Outcome {
	cmd := e.ToIssue.Front()
	if cmd == nil {
		return Outcome{Wait: transport.DirNone}
	}

	hdrBuf := make([]byte, wire.RequestHeaderSize)
	wire.PutRequestHeader(hdrBuf, wire.RequestHeader{
		Flags:  cmd.Flags,
		Type:   cmd.Type,
		Cookie: cmd.Cookie,
		Offset: cmd.Offset,
		Count:  cmd.Count,
	})

	moreHint := cmd.Type == wire.CmdWrite || e.ToIssue.Len() > 1
	p := &progress{}
	return e.resumeIssueHeader(cmd, hdrBuf, p, moreHint)
}

func (e *Engine) resumeIssueHeader(cmd *queue.Command, buf []byte, p *progress, moreHint bool) Outcome {
	done, out := sendFrom(e.Transport, buf, p, moreHint)
	if !done {
		e.issueResume = func(e *Engine) Outcome { return e.resumeIssueHeader(cmd, buf, p, moreHint) }
		return out
	}
	e.issueResume = nil

	if cmd.Type == wire.CmdWrite {
		p := &progress{n: cmd.WriteOffset}
		return e.resumeIssuePayload(cmd, p)
	}
	return e.finishIssue(cmd)
}

func (e *Engine) resumeIssuePayload(cmd *queue.Command, p *progress) Outcome {
	moreHint := e.ToIssue.Len() > 1
	done, out := sendFrom(e.Transport, cmd.Buffer[:cmd.Count], p, moreHint)
	cmd.WriteOffset = p.n
	if !done {
		e.issueResume = func(e *Engine) Outcome { return e.resumeIssuePayload(cmd, p) }
		return out
	}
	e.issueResume = nil
	return e.finishIssue(cmd)
}

func (e *Engine) finishIssue(cmd *queue.Command) Outcome {
	e.ToIssue.Remove(cmd)
	e.InFlight.PushBack(cmd)
	return Outcome{Advance: true}
}
