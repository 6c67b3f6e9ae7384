package realtime

import (
	"sync"
	"time"
)

// DefaultRateLimitCooldown is how long a rate-limited response keeps the
// session's active-response flag set.
const DefaultRateLimitCooldown = 5 * time.Second

// ResponseTracker enforces at most one active model response per session.
type ResponseTracker struct {
	mu     sync.Mutex
	active bool
	gen    uint64
	timer  *time.Timer

	onClear func()

	// afterFunc is swapped in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewResponseTracker returns an idle tracker.
func NewResponseTracker() *ResponseTracker {
	return &ResponseTracker{afterFunc: time.AfterFunc}
}

// OnClear registers fn to run each time an active response ends, either by
// Clear or when a cooldown elapses. fn is called without the tracker locked.
func (t *ResponseTracker) OnClear(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClear = fn
}

// TryBegin marks a response active if none is, and reports whether the caller
// may request one.
func (t *ResponseTracker) TryBegin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return false
	}
	t.setActiveLocked()
	return true
}

// MarkActive records a response started by the server.
func (t *ResponseTracker) MarkActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setActiveLocked()
}

// Active reports whether a response is in flight or cooling down.
func (t *ResponseTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Clear marks the response finished immediately.
func (t *ResponseTracker) Clear() {
	t.mu.Lock()
	t.stopTimerLocked()
	t.gen++
	was := t.active
	t.active = false
	fn := t.onClear
	t.mu.Unlock()

	if was && fn != nil {
		fn()
	}
}

// ClearAfter keeps the flag set for d and then clears it, unless a newer
// response has become active in the meantime.
func (t *ResponseTracker) ClearAfter(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimerLocked()
	t.gen++
	t.active = true
	gen := t.gen
	t.timer = t.afterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.active = false
		t.timer = nil
		fn := t.onClear
		t.mu.Unlock()

		if fn != nil {
			fn()
		}
	})
}

// Stop cancels any pending cooldown. The flag is left as is.
func (t *ResponseTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.gen++
}

func (t *ResponseTracker) setActiveLocked() {
	t.stopTimerLocked()
	t.gen++
	t.active = true
}

func (t *ResponseTracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
