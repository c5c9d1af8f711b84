package nbd

import "github.com/libnbd-go/nbd/internal/queue"

// These aliases give the public API its own names for the callback types
// while reusing internal/queue's definitions and single-invocation
// guarantees verbatim, so a caller never imports an internal package to
// spell a callback's type.
type (
	CompletionCallback = queue.CompletionCallback
	ChunkCallback      = queue.ChunkCallback
	ExtentCallback     = queue.ExtentCallback
	ChunkStatus        = queue.ChunkStatus
	ReleaseCallback    = queue.Release
)

const (
	ChunkReadData  = queue.ChunkReadData
	ChunkReadHole  = queue.ChunkReadHole
	ChunkReadError = queue.ChunkReadError
)

// Callbacks bundles the optional callback set a caller attaches to an
// asynchronous command at enqueue time.
type Callbacks struct {
	// Completion fires exactly once when the command retires. A nonzero
	// return defers retirement until AioCommandCompleted is called.
	Completion CompletionCallback

	// Chunk fires once per structured-reply chunk for a read (or once,
	// covering the whole command, for a non-structured read).
	Chunk ChunkCallback

	// Extent fires once per BLOCK_STATUS chunk.
	Extent ExtentCallback

	// Release fires exactly once, after the command's last use of any of
	// the callbacks above, whether or not the command completed normally.
	Release ReleaseCallback
}

func (c Callbacks) toQueue() queue.Callbacks {
	return queue.Callbacks{
		Completion: c.Completion,
		Chunk:      c.Chunk,
		Extent:     c.Extent,
		Release:    c.Release,
	}
}
