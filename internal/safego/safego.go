// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged
// rather than crashing the process.
func Go(fn func()) {
	go func() {
		defer recoverAndLog("")
		fn()
	}()
}

// Tracker launches detached tasks and lets shutdown wait for the ones still in
// flight. The zero value is ready to use.
type Tracker struct {
	wg sync.WaitGroup
}

// Go runs fn in a new goroutine, recovering panics and tagging the log record
// with name.
func (t *Tracker) Go(name string, fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer recoverAndLog(name)
		fn()
	}()
}

// Wait blocks until every task started with Go has finished or ctx is done.
// It returns ctx.Err() when tasks were still running.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recoverAndLog(name string) {
	if r := recover(); r != nil {
		if name == "" {
			slog.Error("recovered panic in background goroutine", "panic", r)
			return
		}
		slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
	}
}
