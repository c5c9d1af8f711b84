// Package queue owns the three command lists a Handle maintains
// (to-issue, in-flight, done) and the monotonic cookie allocator. It has no
// knowledge of transports or the wire format; it only tracks command
// lifecycle and callback invocation bookkeeping.
package queue

import (
	"sync/atomic"

	"github.com/libnbd-go/nbd/internal/wire"
)

// Type is the command type, one of the wire.Cmd* constants.
type Type = uint16

// Flags is a bitmask of wire.CmdFlag* bits.
type Flags = uint16

// CompletionCallback is invoked exactly once when a command retires (or is
// cancelled, or the handle is destroyed with the command still live). cmdErr
// points at the command's error slot; the callback may read or overwrite it.
// A nonzero returned value requests deferred retirement (the caller must
// later call AioCommandCompleted); a zero return auto-retires.
type CompletionCallback func(cmdErr *error) int

// ChunkCallback is invoked for every structured-reply chunk (or, for a
// non-structured read, once with status ReadData covering the whole
// command). A negative return aborts further chunk delivery for this
// command and records a protocol error unless the server already reported
// one.
type ChunkCallback func(status ChunkStatus, offset uint64, length uint32, chunkErr *error) int

// ExtentCallback is invoked once per BLOCK_STATUS chunk with the list of
// (length, status) pairs reported for a metadata context.
type ExtentCallback func(metaContext string, entries []wire.Extent, extentErr *error) int

// ChunkStatus classifies a structured-reply chunk delivered to a ChunkCallback.
type ChunkStatus int

const (
	ChunkReadData ChunkStatus = iota
	ChunkReadHole
	ChunkReadError
)

// Release is invoked exactly once, after the last use of a callback set,
// whether the command ran to completion or not. It carries no payload; it
// exists purely to let callers free resources tied to a callback's closure.
type Release func()

// Callbacks bundles the typed callback set a caller attaches at enqueue
// time: passed by value, stored on the Command, released exactly once.
type Callbacks struct {
	Completion CompletionCallback
	Chunk      ChunkCallback
	Extent     ExtentCallback
	Release    Release
}

// Command is one in-flight or pending NBD operation. A Command is owned by
// exactly one List at a time (to-issue, in-flight, or done); moving it
// between lists is a pointer swing, not a copy.
type Command struct {
	Cookie uint64
	Type   Type
	Flags  Flags
	Offset uint64
	Count  uint32

	// Buffer is the caller's borrowed buffer: the read/write payload target
	// or source. It must remain valid until the completion callback returns.
	Buffer []byte

	// DataSeen is not read or updated by the engine; structured-reply chunk
	// coverage is tracked by the reply ledger (see internal/reply) instead.
	DataSeen uint64

	Callbacks Callbacks
	Err       error

	// MetaContexts is the set of negotiated {name: id} pairs visible at
	// issue time, snapshotted so BLOCK_STATUS replies can resolve context
	// IDs back to names without touching the Handle's live map.
	MetaContexts map[uint32]string

	// retired and released guard the single-invocation guarantees for the
	// completion callback and the release hook. A Handle only ever has one
	// caller active at a time, so these are plain bools, not atomics.
	retired  bool
	released bool

	// WriteOffset resumes a partially-sent write payload across a
	// reply-phase preemption.
	WriteOffset int
	InShutdown  bool

	// ChunkAborted is set once a Chunk or Extent callback returns negative,
	// per CompletionCallback's sibling contract: further chunks for this
	// command are still drained off the wire (the stream is shared with
	// every other in-flight command) but no longer delivered to callbacks.
	ChunkAborted bool

	next, prev *Command
}

// Retired reports whether the completion callback has already fired.
func (c *Command) Retired() bool { return c.retired }

// MarkRetired records that retirement has happened; idempotent callers must
// check Retired() first.
func (c *Command) MarkRetired() { c.retired = true }

// RunRelease invokes the release hook exactly once.
func (c *Command) RunRelease() {
	if c.released {
		return
	}
	c.released = true
	if c.Callbacks.Release != nil {
		c.Callbacks.Release()
	}
}

// CookieAllocator hands out unique, monotonically increasing 64-bit cookies,
// never reusing a value and never returning 0 (reserved as "no cookie").
type CookieAllocator struct {
	next atomic.Uint64
}

// NewCookieAllocator returns an allocator primed to emit 1 as its first cookie.
func NewCookieAllocator() *CookieAllocator {
	a := &CookieAllocator{}
	a.next.Store(1)
	return a
}

// Next returns the next cookie value.
func (a *CookieAllocator) Next() uint64 {
	return a.next.Add(1) - 1
}
