package healthsched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPingerRunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	p, err := New("@every 10ms", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop(context.Background())

	if calls.Load() == 0 {
		t.Fatal("expected at least one scheduled ping")
	}
}

func TestPingerRecordsLastError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	p, err := New("@every 10ms", func(ctx context.Context) error {
		return wantErr
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop(context.Background())

	if p.LastError() != wantErr {
		t.Fatalf("LastError() = %v, want %v", p.LastError(), wantErr)
	}
}

func TestPingerRejectsBadSchedule(t *testing.T) {
	_, err := New("not a schedule", func(ctx context.Context) error { return nil }, nil)
	if err == nil {
		t.Fatal("expected an error for an invalid cron schedule")
	}
}
