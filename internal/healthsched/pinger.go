// Package healthsched runs a periodic health-ping job against a long-lived
// Handle on a cron or fixed-interval schedule. A run-guard stops
// overlapping pings if one is slow to complete.
package healthsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// PingFunc issues one health probe (typically NBD_CMD_FLUSH) against the
// handle it closes over. A non-nil error is logged but never stops the
// scheduler.
type PingFunc func(ctx context.Context) error

// Pinger drives PingFunc on a cron schedule for as long as a Handle stays
// open, skipping an invocation if the previous one is still running.
type Pinger struct {
	cron    *cron.Cron
	logger  *slog.Logger
	ping    PingFunc
	running atomic.Bool
	mu      sync.Mutex
	lastErr error
}

// New builds a Pinger that invokes ping on the given cron schedule (e.g.
// "@every 30s", or a standard 5-field cron expression). logger may be nil,
// in which case a discarding logger is used.
func New(schedule string, ping PingFunc, logger *slog.Logger) (*Pinger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}

	p := &Pinger{logger: logger.With("component", "healthsched"), ping: ping}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(schedule, p.runOnce); err != nil {
		return nil, fmt.Errorf("healthsched: adding ping schedule %q: %w", schedule, err)
	}
	p.cron = c
	return p, nil
}

// Start begins the scheduled pings.
func (p *Pinger) Start() { p.cron.Start() }

// Stop stops the scheduler and waits (bounded by ctx) for an in-flight ping
// to finish.
func (p *Pinger) Stop(ctx context.Context) {
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		p.logger.Warn("healthsched stop timed out waiting for in-flight ping")
	}
}

// LastError returns the error from the most recently completed ping, or
// nil if every ping so far has succeeded (or none has run yet).
func (p *Pinger) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pinger) runOnce() {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn("skipping scheduled ping, previous ping still running")
		return
	}
	defer p.running.Store(false)

	start := time.Now()
	err := p.ping(context.Background())
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("health ping failed", "error", err, "duration", time.Since(start))
		return
	}
	p.logger.Debug("health ping succeeded", "duration", time.Since(start))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
