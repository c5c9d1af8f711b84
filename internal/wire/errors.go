package wire

import "errors"

// ErrInvalidMagic is returned when a frame's magic field doesn't match what
// the current decode step expects. The state machine translates this into a
// ProtocolError and moves the handle to DEAD.
var ErrInvalidMagic = errors.New("wire: invalid magic bytes")
