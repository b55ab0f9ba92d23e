package forwarder

import (
	"context"
	"sync"
	"time"
)

// idleWatchdog cancels its context if reset is not called again within
// timeout of the last call (or of construction). Both copy directions share
// one watchdog, so traffic in either direction keeps the connection alive.
type idleWatchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
	stopped bool
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelFunc) idleWatchdog {
	w := idleWatchdog{timeout: timeout, cancel: cancel}
	w.timer = time.AfterFunc(timeout, cancel)
	return w
}

func (w *idleWatchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.timeout)
}

func (w *idleWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
