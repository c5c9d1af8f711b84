package statemachine

import (
	"encoding/binary"
	"fmt"

	"github.com/libnbd-go/nbd/internal/wire"
)

// stepBeginNewstyleGlobalFlags reads the server's 2-byte global flags.
func stepBeginNewstyleGlobalFlags(e *Engine) Outcome {
	p := &progress{}
	buf := e.staging[:2]
	e.step = func(e *Engine) Outcome {
		done, out := recvInto(e.Transport, buf, p)
		if !done {
			return out
		}
		flags := binary.BigEndian.Uint16(buf)
		if flags&wire.FlagFixedNewstyle == 0 {
			e.step = nil
			return Outcome{Err: fmt.Errorf("%w: server does not support fixed newstyle", ErrProtocol)}
		}
		e.newstyleServerFlags = flags
		e.State = StateNewstyleClientFlags
		e.step = stepBeginNewstyleClientFlags
		return Outcome{Advance: true}
	}
	return e.step(e)
}

// stepBeginNewstyleClientFlags sends the client's 4-byte flags reply and
// queues the default option negotiation sequence.
func stepBeginNewstyleClientFlags(e *Engine) Outcome {
	p := &progress{}
	clientFlags := uint32(wire.ClientFlagFixedNewstyle)
	if e.newstyleServerFlags&wire.FlagNoZeroes != 0 {
		clientFlags |= wire.ClientFlagNoZeroes
	}

	buf := e.staging[:4]
	binary.BigEndian.PutUint32(buf, clientFlags)

	e.step = func(e *Engine) Outcome {
		done, out := sendFrom(e.Transport, buf, p, true)
		if !done {
			return out
		}
		e.step = nil
		e.pendingOptions = defaultOptionSequence(e.Config)
		e.State = StateOption
		return Outcome{Advance: true}
	}
	return e.step(e)
}

type optionCode int

const (
	optStartTLS optionCode = iota
	optStructuredReply
	optSetMetaContext
	optGo
)

// defaultOptionSequence builds the order the engine walks unless the caller
// opted into option mode, where options are driven one at a time by the
// public API instead (opt_list, opt_info, opt_go, opt_abort, ...).
func defaultOptionSequence(cfg Config) []optionCode {
	if cfg.OptMode {
		return nil
	}
	seq := []optionCode{optStartTLS}
	if cfg.RequestStructuredReply {
		seq = append(seq, optStructuredReply)
	}
	seq = append(seq, optSetMetaContext, optGo)
	return seq
}

// stepBeginNextOption pops the next queued option and runs it, or, once the
// queue is drained, enters the transmission phase.
func stepBeginNextOption(e *Engine) Outcome {
	if len(e.pendingOptions) == 0 {
		e.State = StateReady
		e.step = nil
		return Outcome{Advance: true}
	}

	next := e.pendingOptions[0]
	e.pendingOptions = e.pendingOptions[1:]

	switch next {
	case optStartTLS:
		if e.Config.TLSMode == TLSDisable {
			return e.advanceToNextOption()
		}
		return e.runOptStartTLS()
	case optStructuredReply:
		return e.runOptStructuredReply()
	case optSetMetaContext:
		if !e.Session.StructuredReplies {
			return e.advanceToNextOption()
		}
		return e.runOptSetMetaContext(e.Config.RequestedMetaContexts)
	case optGo:
		return e.runOptGo()
	default:
		return Outcome{Err: fmt.Errorf("statemachine: unknown queued option %d", next)}
	}
}

// advanceToNextOption skips straight to the next queued option without
// performing any I/O for the current one.
func (e *Engine) advanceToNextOption() Outcome {
	e.step = nil
	return Outcome{Advance: true}
}
