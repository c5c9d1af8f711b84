package statemachine

import (
	"encoding/binary"
	"fmt"

	"github.com/libnbd-go/nbd/internal/wire"
)

// stepBeginMagic reads the 16-byte initial handshake magic (NBDMAGIC +
// either the oldstyle or fixed-newstyle version magic) and dispatches.
func stepBeginMagic(e *Engine) Outcome {
	p := &progress{}
	return e.runMagicRecv(p)
}

func (e *Engine) runMagicRecv(p *progress) Outcome {
	buf := e.staging[:16]
	e.step = func(e *Engine) Outcome {
		done, out := recvInto(e.Transport, buf, p)
		if !done {
			return out
		}
		e.step = nil
		return e.checkMagic(buf)
	}
	return e.step(e)
}

func (e *Engine) checkMagic(buf []byte) Outcome {
	nbdMagic := binary.BigEndian.Uint64(buf[0:8])
	if nbdMagic != wire.NBDMagic {
		return Outcome{Err: fmt.Errorf("%w: server did not send expected NBD magic", ErrProtocol)}
	}

	version := binary.BigEndian.Uint64(buf[8:16])
	switch version {
	case wire.OptMagic:
		e.State = StateNewstyleGlobalFlags
		e.step = stepBeginNewstyleGlobalFlags
	case wire.OldStyleMagic:
		e.State = StateOldstyle
		e.step = stepBeginOldstyle
	default:
		return Outcome{Err: fmt.Errorf("%w: server is not oldstyle or fixed-newstyle", ErrProtocol)}
	}
	return Outcome{Advance: true}
}
