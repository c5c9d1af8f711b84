// Package sysinfo queries host resources to size client-side buffers, as a
// one-shot query rather than a ticking background collector — a Handle
// needs this exactly once, at construction.
package sysinfo

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// Minimum and maximum bounds for the derived staging buffer cap, keeping a
// host with very little or very much memory from producing an unreasonably
// tiny or huge default.
const (
	minStagingBufferCap = 256 * 1024
	maxStagingBufferCap = 64 * 1024 * 1024
)

// DefaultStagingBufferCap returns a reasonable upper bound, in bytes, for
// the scratch buffers a Handle allocates per in-flight read (structured
// reply payloads, BLOCK_STATUS extent lists). It targets roughly 0.1% of
// available host memory, clamped to [minStagingBufferCap,
// maxStagingBufferCap], falling back to minStagingBufferCap if host memory
// cannot be queried.
func DefaultStagingBufferCap() int {
	v, err := mem.VirtualMemory()
	if err != nil {
		return minStagingBufferCap
	}

	cap := int(v.Available / 1000)
	if cap < minStagingBufferCap {
		return minStagingBufferCap
	}
	if cap > maxStagingBufferCap {
		return maxStagingBufferCap
	}
	return cap
}
