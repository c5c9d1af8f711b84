package statemachine

import (
	"fmt"

	"github.com/libnbd-go/nbd/internal/wire"
)

// stepBeginOldstyle reads the 136-byte tail of an oldstyle handshake (export
// size, eflags, 124 reserved zero bytes) and installs the negotiated
// session facts. An oldstyle server never supports TLS or structured
// replies, so a caller that required TLS fails here.
func stepBeginOldstyle(e *Engine) Outcome {
	p := &progress{}
	buf := e.staging[:wire.OldStyleHandshakeSize]
	e.step = func(e *Engine) Outcome {
		done, out := recvInto(e.Transport, buf, p)
		if !done {
			return out
		}
		e.step = nil
		return e.finishOldstyle(buf)
	}
	return e.step(e)
}

func (e *Engine) finishOldstyle(buf []byte) Outcome {
	if e.Config.TLSMode == TLSRequire {
		return Outcome{Err: fmt.Errorf("%w: server only speaks the oldstyle handshake", ErrTLSRequired)}
	}

	hs := wire.DecodeOldStyleHandshake(buf)
	e.Session.ExportSize = hs.Size
	e.Session.ExportFlags = hs.Flags
	e.Session.StructuredReplies = false

	e.State = StateReady
	e.step = nil
	return Outcome{Advance: true}
}
