// Package reply validates the byte ranges reported by a structured read's
// chunks against the command's requested range: no overlap, no gaps once
// the reply is DONE, no zero-length chunks, and at most one content chunk
// when DF was requested. It holds no transport or command-queue state; the
// state machine owns those and calls into this package purely to validate.
package reply

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOverlap is returned when a chunk's range overlaps previously reported
// coverage.
var ErrOverlap = errors.New("reply: chunk range overlaps previously reported coverage")

// ErrOutOfRange is returned when a chunk's range falls outside the
// command's requested [offset, offset+count) window.
var ErrOutOfRange = errors.New("reply: chunk range outside requested window")

// ErrZeroLength is returned for a chunk reporting zero bytes covered.
var ErrZeroLength = errors.New("reply: zero-length chunk")

// ErrDFViolation is returned when a second content chunk arrives for a
// command that requested DF (don't-fragment).
var ErrDFViolation = errors.New("reply: server sent more than one content chunk for a DF request")

// ErrIncomplete is returned by Validate when the reported chunks do not
// exactly partition the requested window.
var ErrIncomplete = errors.New("reply: structured reply chunks do not cover the full requested range")

type interval struct {
	start, end uint64 // [start, end)
}

// Ledger tracks the chunk coverage reported for one in-flight structured
// read command.
type Ledger struct {
	base    uint64
	end     uint64
	df      bool
	covered []interval
	chunks  int
}

// NewLedger creates a ledger for a command spanning [offset, offset+count).
func NewLedger(offset uint64, count uint32, df bool) *Ledger {
	return &Ledger{base: offset, end: offset + uint64(count), df: df}
}

// Add records a content-bearing chunk (OFFSET_DATA or OFFSET_HOLE) covering
// [offset, offset+length). It returns an error if the chunk violates any of
// the partition, overlap, or DF invariants.
func (l *Ledger) Add(offset uint64, length uint32) error {
	if length == 0 {
		return ErrZeroLength
	}
	end := offset + uint64(length)
	if offset < l.base || end > l.end {
		return fmt.Errorf("%w: [%d,%d) not within [%d,%d)", ErrOutOfRange, offset, end, l.base, l.end)
	}
	if l.df && l.chunks >= 1 {
		return ErrDFViolation
	}

	idx := sort.Search(len(l.covered), func(i int) bool { return l.covered[i].start >= offset })
	if idx > 0 && l.covered[idx-1].end > offset {
		return fmt.Errorf("%w: [%d,%d) overlaps [%d,%d)", ErrOverlap, offset, end, l.covered[idx-1].start, l.covered[idx-1].end)
	}
	if idx < len(l.covered) && l.covered[idx].start < end {
		return fmt.Errorf("%w: [%d,%d) overlaps [%d,%d)", ErrOverlap, offset, end, l.covered[idx].start, l.covered[idx].end)
	}

	l.covered = append(l.covered, interval{})
	copy(l.covered[idx+1:], l.covered[idx:])
	l.covered[idx] = interval{start: offset, end: end}
	l.chunks++
	return nil
}

// Validate reports whether the recorded chunks exactly partition
// [offset, offset+count) with no gaps, to be called once the DONE flag
// arrives.
func (l *Ledger) Validate() error {
	want := l.base
	for _, iv := range l.covered {
		if iv.start != want {
			return fmt.Errorf("%w: gap at offset %d", ErrIncomplete, want)
		}
		want = iv.end
	}
	if want != l.end {
		return fmt.Errorf("%w: missing coverage for [%d,%d)", ErrIncomplete, want, l.end)
	}
	return nil
}
