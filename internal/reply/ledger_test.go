package reply

import (
	"errors"
	"testing"
)

func TestLedgerPartitionValidates(t *testing.T) {
	l := NewLedger(2048, 1024, false)
	if err := l.Add(2048, 512); err != nil {
		t.Fatalf("first chunk rejected: %v", err)
	}
	if err := l.Add(2560, 512); err != nil {
		t.Fatalf("second chunk rejected: %v", err)
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("expected full coverage, got %v", err)
	}
}

func TestLedgerRejectsOverlap(t *testing.T) {
	l := NewLedger(0, 1024, false)
	if err := l.Add(0, 512); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(256, 512); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
}

func TestLedgerRejectsOutOfRange(t *testing.T) {
	l := NewLedger(1024, 512, false)
	if err := l.Add(1024, 1024); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestLedgerRejectsZeroLength(t *testing.T) {
	l := NewLedger(0, 512, false)
	if err := l.Add(0, 0); !errors.Is(err, ErrZeroLength) {
		t.Fatalf("expected ErrZeroLength, got %v", err)
	}
}

func TestLedgerRejectsSecondChunkUnderDF(t *testing.T) {
	l := NewLedger(0, 1024, true)
	if err := l.Add(0, 512); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(512, 512); !errors.Is(err, ErrDFViolation) {
		t.Fatalf("expected ErrDFViolation, got %v", err)
	}
}

func TestLedgerDetectsGap(t *testing.T) {
	l := NewLedger(0, 1024, false)
	if err := l.Add(0, 512); err != nil {
		t.Fatal(err)
	}
	if err := l.Validate(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete for a 512-byte gap, got %v", err)
	}
}

func TestLedgerThreeWaySplit(t *testing.T) {
	l := NewLedger(0, 1024, false)
	if err := l.Add(0, 256); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(768, 256); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(256, 512); err != nil {
		t.Fatalf("middle chunk filling the gap rejected: %v", err)
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("expected full coverage after three-way split, got %v", err)
	}
}
