package realtime

import (
	"sync"
	"time"
)

// RateWindow is a fixed-window request counter for one connection. The
// window restarts lazily on the first request after it expires.
type RateWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	count   int
	resetAt time.Time
}

// NewRateWindow creates a limiter admitting limit requests per window.
// A non-positive limit disables limiting.
func NewRateWindow(limit int, window time.Duration) *RateWindow {
	return &RateWindow{limit: limit, window: window}
}

// Allow records a request at now. When the cap is reached it returns false
// and the time until the window resets.
func (w *RateWindow) Allow(now time.Time) (bool, time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.window)
	}
	if w.count >= w.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}
