package bids

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultSweepInterval is how often the expiry sweep runs.
	DefaultSweepInterval = 30 * time.Second

	sweepBatchSize = 100
)

// Timer periodically lapses acceptances whose payment window has passed.
// Expire is conditional on the stored status, so several instances can run
// the sweep against the same database without double-promoting.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an acceptance expiry sweep timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	ripe, err := t.store.ListExpiredAcceptances(ctx, t.service.now(), sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to list expired acceptances", "error", err)
		return
	}

	for _, acceptance := range ripe {
		if err := t.service.Expire(ctx, acceptance.ID); err != nil {
			t.logger.Warn("acceptance expiry failed",
				"acceptance", acceptance.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("acceptance expired",
			"acceptance", acceptance.ID,
			"bidCard", acceptance.BidCardID,
		)
	}
}
