package statemachine

import (
	"encoding/binary"
	"fmt"

	"github.com/libnbd-go/nbd/internal/wire"
)

// The functions in this file are the caller-driven half of option mode:
// opt_list, opt_info, opt_abort, invoked one at a time between the magic
// exchange and transmission when Config.OptMode is set. Unlike the default
// negotiation sequence, these are triggered externally rather than drained
// from Engine.pendingOptions — the Engine just sits in StateOption with
// step == nil between calls.

// RunOptList starts an OPT_LIST exchange. onEntry is invoked once per
// exported name the server reports; the returned Outcome's Advance/Wait/Err
// behave exactly like Step's.
func (e *Engine) RunOptList(onEntry func(ListEntry)) Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_list called outside option mode")}
	}
	e.optList = onEntry
	return e.sendOptionRequest(wire.OptList, nil, func(e *Engine) Outcome {
		return e.recvListReply()
	})
}

func (e *Engine) recvListReply() Outcome {
	return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, payload []byte) Outcome {
		switch {
		case hdr.Reply == wire.RepServer:
			if len(payload) >= 4 {
				nameLen := binary.BigEndian.Uint32(payload[0:4])
				entry := ListEntry{}
				if 4+int(nameLen) <= len(payload) {
					entry.Name = string(payload[4 : 4+nameLen])
					entry.Description = string(payload[4+nameLen:])
				}
				if e.optList != nil {
					e.optList(entry)
				}
			}
			e.step = nil
			return e.recvListReply()
		case hdr.Reply == wire.RepAck:
			e.optList = nil
			e.step = nil
			return Outcome{Advance: true}
		case wire.IsError(hdr.Reply):
			e.optList = nil
			return Outcome{Err: optionErrorKind(hdr.Reply)}
		default:
			return Outcome{Err: fmt.Errorf("%w: unexpected LIST reply 0x%x", ErrProtocol, hdr.Reply)}
		}
	})
}

// RunOptInfo starts an OPT_INFO exchange: like GO but never transitions to
// transmission. onInfo is invoked for each reported export fact.
func (e *Engine) RunOptInfo(exportName string, onInfo func()) Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_info called outside option mode")}
	}
	payload := wire.PutExportNameRequestPayload(exportName, []uint16{wire.InfoExport, wire.InfoBlockSize, wire.InfoName, wire.InfoDescription})
	return e.sendOptionRequest(wire.OptInfo, payload, func(e *Engine) Outcome {
		return e.recvInfoReply(onInfo)
	})
}

func (e *Engine) recvInfoReply(onInfo func()) Outcome {
	return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, payload []byte) Outcome {
		switch {
		case hdr.Reply == wire.RepInfo:
			e.applyInfoPayload(payload)
			if onInfo != nil {
				onInfo()
			}
			e.step = nil
			return e.recvInfoReply(onInfo)
		case hdr.Reply == wire.RepAck:
			e.step = nil
			return Outcome{Advance: true}
		case wire.IsError(hdr.Reply):
			return Outcome{Err: optionErrorKind(hdr.Reply)}
		default:
			return Outcome{Err: fmt.Errorf("%w: unexpected INFO reply 0x%x", ErrProtocol, hdr.Reply)}
		}
	})
}

// RunOptListMetaContextQueries probes which metadata context queries the
// server would honor for exportName without actually activating any of
// them (OPT_LIST_META_CONTEXT with no export activation side effect).
func (e *Engine) RunOptListMetaContextQueries(exportName string, queries []string, onContext func(name string)) Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_list_meta_context_queries called outside option mode")}
	}
	payload := wire.PutMetaContextRequestPayload(exportName, queries)
	return e.sendOptionRequest(wire.OptListMetaContext, payload, func(e *Engine) Outcome {
		return e.recvListMetaContextReply(onContext)
	})
}

func (e *Engine) recvListMetaContextReply(onContext func(name string)) Outcome {
	return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, payload []byte) Outcome {
		switch {
		case hdr.Reply == wire.RepMetaContext:
			_, name := wire.DecodeMetaContextReply(payload)
			if onContext != nil {
				onContext(name)
			}
			e.step = nil
			return e.recvListMetaContextReply(onContext)
		case hdr.Reply == wire.RepAck:
			e.step = nil
			return Outcome{Advance: true}
		case wire.IsError(hdr.Reply):
			return Outcome{Err: optionErrorKind(hdr.Reply)}
		default:
			return Outcome{Err: fmt.Errorf("%w: unexpected LIST_META_CONTEXT reply 0x%x", ErrProtocol, hdr.Reply)}
		}
	})
}

// RunOptStartTLS starts an OPT_STARTTLS exchange under caller-driven option
// mode. On success the engine's Transport is replaced with the upgraded TLS
// session and the engine remains in StateOption for the next Opt call.
func (e *Engine) RunOptStartTLS() Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_starttls called outside option mode")}
	}
	return e.runOptStartTLS()
}

// RunOptStructuredReply starts an OPT_STRUCTURED_REPLY exchange under
// caller-driven option mode.
func (e *Engine) RunOptStructuredReply() Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_structured_reply called outside option mode")}
	}
	return e.runOptStructuredReply()
}

// RunOptSetMetaContext starts an OPT_SET_META_CONTEXT exchange under
// caller-driven option mode, activating queries against the export named in
// e.Config.ExportName.
func (e *Engine) RunOptSetMetaContext(queries []string) Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_set_meta_context called outside option mode")}
	}
	return e.runOptSetMetaContext(queries)
}

// RunOptGo starts an OPT_GO exchange under caller-driven option mode,
// falling back to OPT_EXPORT_NAME when the server doesn't support GO. On
// success the engine leaves option mode entirely and enters StateReady,
// since GO (or its fallback) always ends option negotiation.
func (e *Engine) RunOptGo(exportName string) Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_go called outside option mode")}
	}
	e.Config.ExportName = exportName
	e.Session.ExportName = exportName
	return e.runOptGo()
}

// RunOptAbort tells the server the client is done negotiating and is about
// to disconnect, then moves the engine to StateClosed.
func (e *Engine) RunOptAbort() Outcome {
	if e.State != StateOption || e.step != nil {
		return Outcome{Err: fmt.Errorf("statemachine: opt_abort called outside option mode")}
	}
	return e.sendOptionRequest(wire.OptAbort, nil, func(e *Engine) Outcome {
		return e.recvOptionReply(func(e *Engine, hdr wire.OptionReplyHeader, _ []byte) Outcome {
			e.State = StateClosed
			e.step = nil
			return Outcome{Advance: true}
		})
	})
}
