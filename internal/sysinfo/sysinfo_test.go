package sysinfo

import "testing"

func TestDefaultStagingBufferCapWithinBounds(t *testing.T) {
	cap := DefaultStagingBufferCap()
	if cap < minStagingBufferCap || cap > maxStagingBufferCap {
		t.Fatalf("DefaultStagingBufferCap() = %d, want within [%d,%d]", cap, minStagingBufferCap, maxStagingBufferCap)
	}
}
