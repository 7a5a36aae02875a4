package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the reconciliation sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Timer drives the periodic reconciliation sweep. Verification is
// read-mostly and freezing is idempotent, so several instances may
// sweep the same database without coordination.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer at the default interval.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: DefaultSweepInterval,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval. Non-positive values keep
// the current one.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool { return t.running.Load() }

// Stop ends the sweep loop. Safe to call more than once, and before
// Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// Start runs the sweep loop until ctx is done or Stop is called. Call
// in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopped:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep runs one pass. A panic is logged, not propagated.
func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.service.Run(ctx); err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}
