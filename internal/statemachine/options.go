package statemachine

import (
	"fmt"

	"github.com/libnbd-go/nbd/internal/wire"
)

// sendOptionRequest writes an option header plus payload in one frame, then
// hands control to next once the whole frame has been accepted by the
// transport.
func (e *Engine) sendOptionRequest(option uint32, payload []byte, next func(e *Engine) Outcome) Outcome {
	buf := make([]byte, wire.OptionRequestHeaderSize+len(payload))
	wire.PutOptionRequestHeader(buf, option, uint32(len(payload)))
	copy(buf[wire.OptionRequestHeaderSize:], payload)

	p := &progress{}
	e.step = func(e *Engine) Outcome {
		done, out := sendFrom(e.Transport, buf, p, false)
		if !done {
			return out
		}
		e.step = nil
		return next(e)
	}
	return e.step(e)
}

// recvOptionReply reads one option reply header and its variable-length
// payload, then hands both to next. Options that return a sequence of
// replies (LIST, INFO, SET_META_CONTEXT) call recvOptionReply again from
// inside next to read the following one.
func (e *Engine) recvOptionReply(next func(e *Engine, hdr wire.OptionReplyHeader, payload []byte) Outcome) Outcome {
	hdrBuf := make([]byte, wire.OptionReplyHeaderSize)
	p := &progress{}
	e.step = func(e *Engine) Outcome {
		done, out := recvInto(e.Transport, hdrBuf, p)
		if !done {
			return out
		}
		hdr, err := wire.DecodeOptionReplyHeader(hdrBuf)
		if err != nil {
			e.step = nil
			return Outcome{Err: fmt.Errorf("%w: option reply: %v", ErrProtocol, err)}
		}
		if hdr.Length == 0 {
			e.step = nil
			return next(e, hdr, nil)
		}

		payload := make([]byte, hdr.Length)
		pp := &progress{}
		e.step = func(e *Engine) Outcome {
			done, out := recvInto(e.Transport, payload, pp)
			if !done {
				return out
			}
			e.step = nil
			return next(e, hdr, payload)
		}
		return e.step(e)
	}
	return e.step(e)
}

// optionErrorKind classifies a server-reported error reply code into a
// sentinel-wrapped error so callers can match on errors.Is rather than
// comparing raw reply codes.
func optionErrorKind(reply uint32) error {
	switch reply {
	case wire.RepErrPolicy:
		return fmt.Errorf("%w: policy", ErrUnsupported)
	case wire.RepErrPlatform:
		return fmt.Errorf("%w: platform", ErrUnsupported)
	case wire.RepErrInvalid:
		return fmt.Errorf("%w: invalid export name or option arguments", ErrProtocol)
	case wire.RepErrTooBig:
		return fmt.Errorf("%w: request too big", ErrProtocol)
	case wire.RepErrTLSReqd:
		return ErrTLSRequired
	case wire.RepErrUnknown:
		return fmt.Errorf("%w: unknown export", ErrUnsupported)
	case wire.RepErrShutdown:
		return fmt.Errorf("statemachine: server is shutting down")
	case wire.RepErrBlockSizeReqd:
		return fmt.Errorf("%w: server requires a block size constraint the client did not offer", ErrProtocol)
	default:
		return fmt.Errorf("%w: reply code 0x%x", ErrUnsupported, reply)
	}
}

// --- STARTTLS -----------------------------------------------------------

func (e *Engine) runOptStartTLS() Outcome {
	if e.Session.TLSActive {
		// A repeat STARTTLS is treated as a hard Unsupported error rather
		// than silently ignored (see DESIGN.md).
		return Outcome{Err: fmt.Errorf("%w: STARTTLS already active", ErrUnsupported)}
	}

	return e.sendOptionRequest(wire.OptStartTLS, nil, func(e *Engine) Outcome {
		return e.recvOptionReply(e.finishOptStartTLS)
	})
}

func (e *Engine) finishOptStartTLS(_ *Engine, hdr wire.OptionReplyHeader, _ []byte) Outcome {
	if wire.IsError(hdr.Reply) {
		if e.Config.TLSMode == TLSRequire {
			return Outcome{Err: ErrTLSRequired}
		}
		return e.advanceToNextOption()
	}
	if hdr.Reply != wire.RepAck {
		return Outcome{Err: fmt.Errorf("%w: unexpected STARTTLS reply 0x%x", ErrProtocol, hdr.Reply)}
	}

	// Upgrading is performed by the caller's transport factory, which
	// knows the *transport.Plain underneath and the TLSConfig to apply;
	// the Engine only records that the session is now encrypted and that
	// every negotiated structured-reply/meta-context fact must be
	// rediscovered.
	if e.tlsUpgrade == nil {
		return Outcome{Err: fmt.Errorf("statemachine: server ACKed STARTTLS but no TLS upgrader was configured")}
	}

	upgraded, err := e.tlsUpgrade(e.Transport)
	if err != nil {
		return Outcome{Err: fmt.Errorf("statemachine: TLS handshake: %w", err)}
	}
	e.Transport = upgraded
	e.Session.TLSActive = true
	e.Session.StructuredReplies = false
	e.Session.MetaContexts = make(map[string]uint32)

	return e.advanceToNextOption()
}

// --- STRUCTURED_REPLY ----------------------------------------------------

func (e *Engine) runOptStructuredReply() Outcome {
	return e.sendOptionRequest(wire.OptStructuredReply, nil, func(e *Engine) Outcome {
		return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, _ []byte) Outcome {
			if !wire.IsError(hdr.Reply) && hdr.Reply == wire.RepAck {
				e.Session.StructuredReplies = true
			}
			return e.advanceToNextOption()
		})
	})
}

// --- SET_META_CONTEXT -----------------------------------------------------

func (e *Engine) runOptSetMetaContext(queries []string) Outcome {
	if len(queries) == 0 {
		queries = []string{"base:allocation"}
	}
	payload := wire.PutMetaContextRequestPayload(e.Config.ExportName, queries)
	return e.sendOptionRequest(wire.OptSetMetaContext, payload, func(e *Engine) Outcome {
		return e.recvMetaContextReply()
	})
}

func (e *Engine) recvMetaContextReply() Outcome {
	return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, payload []byte) Outcome {
		switch {
		case hdr.Reply == wire.RepMetaContext:
			id, name := wire.DecodeMetaContextReply(payload)
			e.Session.MetaContexts[name] = id
			e.step = nil
			return e.recvMetaContextReply()
		case hdr.Reply == wire.RepAck:
			return e.advanceToNextOption()
		case wire.IsError(hdr.Reply):
			// A server that can't do metadata contexts is tolerated; GO
			// still proceeds without block-status support.
			return e.advanceToNextOption()
		default:
			return Outcome{Err: fmt.Errorf("%w: unexpected SET_META_CONTEXT reply 0x%x", ErrProtocol, hdr.Reply)}
		}
	})
}

// --- GO / EXPORT_NAME fallback --------------------------------------------

func (e *Engine) runOptGo() Outcome {
	infoRequests := []uint16{wire.InfoBlockSize}
	if e.Config.FullInfo {
		infoRequests = append(infoRequests, wire.InfoName, wire.InfoDescription)
	}
	payload := wire.PutExportNameRequestPayload(e.Config.ExportName, infoRequests)
	return e.sendOptionRequest(wire.OptGo, payload, func(e *Engine) Outcome {
		return e.recvGoReply()
	})
}

func (e *Engine) recvGoReply() Outcome {
	return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, payload []byte) Outcome {
		switch {
		case hdr.Reply == wire.RepInfo:
			e.applyInfoPayload(payload)
			e.step = nil
			return e.recvGoReply()
		case hdr.Reply == wire.RepAck:
			// GO is always the last option in both the default sequence and
			// option mode: pendingOptions is empty by construction once GO
			// runs, so the engine goes straight to StateReady rather than
			// bouncing through StateOption and relying on
			// stepBeginNextOption to notice the queue is empty.
			e.State = StateReady
			e.step = nil
			return Outcome{Advance: true}
		case hdr.Reply == wire.RepErrUnsup:
			return e.runOptExportName()
		case wire.IsError(hdr.Reply):
			return Outcome{Err: optionErrorKind(hdr.Reply)}
		default:
			return Outcome{Err: fmt.Errorf("%w: unexpected GO reply 0x%x", ErrProtocol, hdr.Reply)}
		}
	})
}

func (e *Engine) applyInfoPayload(payload []byte) {
	if len(payload) < 2 {
		return
	}
	infoType := uint16(payload[0])<<8 | uint16(payload[1])
	switch infoType {
	case wire.InfoExport:
		info := wire.DecodeInfoExportPayload(payload)
		e.Session.ExportSize = info.Size
		e.Session.ExportFlags = info.Flags
	case wire.InfoBlockSize:
		bs := wire.DecodeInfoBlockSizePayload(payload)
		e.Session.BlockMin = bs.Min
		e.Session.BlockPreferred = bs.Preferred
		e.Session.BlockMax = bs.Max
	case wire.InfoName:
		e.Session.CanonicalName = string(payload[2:])
	case wire.InfoDescription:
		e.Session.Description = string(payload[2:])
	}
}

// runOptExportName is the legacy fallback when GO is unsupported: send
// OPT_EXPORT_NAME and read its fixed, header-less reply format directly.
func (e *Engine) runOptExportName() Outcome {
	payload := wire.PutExportNameRequestPayload(e.Config.ExportName, nil)
	return e.sendOptionRequest(wire.OptExportName, payload, func(e *Engine) Outcome {
		return e.recvExportNameReply()
	})
}

func (e *Engine) recvExportNameReply() Outcome {
	// Without NOZEROES the fixed reply carries 124 trailing reserved bytes.
	size := wire.ExportNameReplySize
	if e.newstyleServerFlags&wire.FlagNoZeroes == 0 {
		size += 124
	}
	buf := make([]byte, size)
	p := &progress{}
	e.step = func(e *Engine) Outcome {
		done, out := recvInto(e.Transport, buf, p)
		if !done {
			return out
		}
		e.step = nil
		reply := wire.DecodeExportNameReply(buf)
		e.Session.ExportSize = reply.Size
		e.Session.ExportFlags = reply.Flags
		// EXPORT_NAME is the legacy fallback for GO and is likewise always
		// terminal: no further options can follow it.
		e.State = StateReady
		return Outcome{Advance: true}
	}
	return e.step(e)
}
