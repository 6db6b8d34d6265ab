package inbox

import (
	"sync"
	"time"
)

// Watchdog bounds how long the inbox may report loading. Each Arm starts a new
// generation; timers of older generations are ignored when they fire.
type Watchdog struct {
	onFire func(reason error)

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	armed  bool
	fired  bool
	reason error
}

func NewWatchdog(onFire func(reason error)) *Watchdog {
	return &Watchdog{onFire: onFire}
}

// Arm (re)starts the countdown and clears any previous completion.
func (w *Watchdog) Arm(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopTimer()
	w.gen++
	w.armed = true
	w.fired = false
	w.reason = nil

	gen := w.gen
	w.timer = time.AfterFunc(timeout, func() {
		w.complete(gen, ErrTimedOut)
	})
}

// Disarm cancels a pending countdown without firing.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopTimer()
	w.gen++
	w.armed = false
}

// Reset disarms and forgets a previous completion, as if never armed.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopTimer()
	w.gen++
	w.armed = false
	w.fired = false
	w.reason = nil
}

// ForceComplete fires the current arm now. Calling it again before the next Arm is a no-op.
func (w *Watchdog) ForceComplete(reason error) {
	w.mu.Lock()
	gen := w.gen
	w.mu.Unlock()

	w.complete(gen, reason)
}

func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watchdog) Reason() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

func (w *Watchdog) complete(gen uint64, reason error) {
	w.mu.Lock()
	if gen != w.gen || w.fired {
		w.mu.Unlock()
		return
	}
	if reason == nil {
		reason = ErrTimedOut
	}
	w.stopTimer()
	w.armed = false
	w.fired = true
	w.reason = reason
	w.mu.Unlock()

	if w.onFire != nil {
		w.onFire(reason)
	}
}

func (w *Watchdog) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
