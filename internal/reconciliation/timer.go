package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// How often the ledger consistency checks run. The stores are
// CAS-guarded so drift should never appear; the timer exists to notice
// early if it does anyway.
const checkInterval = 5 * time.Minute

// Timer reruns the reconciliation checks on a fixed interval for the
// lifetime of the server.
type Timer struct {
	runner *Runner
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner: runner,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx ends or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// A panicking check must not take the loop down with it.
func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
