package nbd

import "github.com/libnbd-go/nbd/internal/wire"

// StrictFlags is a bitmask of opt-in client-side precondition checks
// applied to a command before it is linked onto the to-issue list. Every
// flag defaults to enabled; disabling one allows deliberate protocol
// probing (negative testing against a server).
type StrictFlags uint32

const (
	StrictZeroLength StrictFlags = 1 << iota
	StrictBounds
	StrictFlagsBits
	StrictCapability
	StrictFrameSize
)

// StrictAll enables every check, the default for a new Handle.
const StrictAll = StrictZeroLength | StrictBounds | StrictFlagsBits | StrictCapability | StrictFrameSize

// maxFrameSize bounds a single request's payload, independent of any
// server-advertised block-size maximum, as a sanity ceiling strict mode can
// enforce even before GO/INFO negotiation has reported one.
const maxFrameSize = 64 * 1024 * 1024

// precheck applies h.strict to a not-yet-issued command, returning a
// descriptive *Error on the first violated invariant.
func (h *Handle) precheck(cmdType uint16, flags uint16, offset uint64, count uint32) *Error {
	if h.strict&StrictZeroLength != 0 && count == 0 && cmdType != wire.CmdFlush {
		return invalidArgument("zero-length command rejected by strict mode")
	}

	if h.strict&StrictBounds != 0 && h.engine.Session.ExportSize != 0 {
		if offset > h.engine.Session.ExportSize || uint64(count) > h.engine.Session.ExportSize-offset {
			return invalidArgument("command range [%d,%d) exceeds export size %d", offset, offset+uint64(count), h.engine.Session.ExportSize)
		}
	}

	if h.strict&StrictFlagsBits != 0 {
		if err := checkFlagBits(cmdType, flags); err != nil {
			return err
		}
	}

	if h.strict&StrictCapability != 0 {
		if err := h.checkCapability(cmdType); err != nil {
			return err
		}
	}

	if h.strict&StrictFrameSize != 0 && count > maxFrameSize {
		return invalidArgument("command length %d exceeds maximum frame size %d", count, maxFrameSize)
	}

	return nil
}

func checkFlagBits(cmdType uint16, flags uint16) *Error {
	var allowed uint16
	switch cmdType {
	case wire.CmdRead:
		allowed = wire.CmdFlagDF
	case wire.CmdWrite:
		allowed = wire.CmdFlagFua
	case wire.CmdTrim, wire.CmdWriteZeroes:
		allowed = wire.CmdFlagFua | wire.CmdFlagNoHole | wire.CmdFlagFastZero
	case wire.CmdBlockStatus:
		allowed = wire.CmdFlagReqOne
	}
	if flags&^allowed != 0 {
		return invalidArgument("command flags 0x%x include bits not valid for this command type", flags)
	}
	return nil
}

func (h *Handle) checkCapability(cmdType uint16) *Error {
	flags := h.engine.Session.ExportFlags
	switch cmdType {
	case wire.CmdTrim:
		if flags&wire.FlagSendTrim == 0 {
			return invalidArgument("server did not advertise TRIM support")
		}
	case wire.CmdWriteZeroes:
		if flags&wire.FlagSendWriteZeroes == 0 {
			return invalidArgument("server did not advertise WRITE_ZEROES support")
		}
	case wire.CmdBlockStatus:
		if flags&wire.FlagBlockStatusPayload == 0 && flags&wire.FlagSendDF == 0 {
			return invalidArgument("server did not advertise BLOCK_STATUS support")
		}
	case wire.CmdCache:
		if flags&wire.FlagSendCache == 0 {
			return invalidArgument("server did not advertise CACHE support")
		}
	}
	return nil
}
