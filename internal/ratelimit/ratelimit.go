package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter counts attempts per key over fixed-length windows. Allow reports
// whether the attempt is within the limit; the attempt is always counted.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type memoryWindow struct {
	attempts    int
	windowStart time.Time
}

// Memory is an in-process fixed-window limiter. Attempts never carry over
// between windows: once a window's start is older than the window length,
// the next attempt opens a fresh window.
type Memory struct {
	mu    sync.Mutex
	state map[string]*memoryWindow
	now   func() time.Time
}

// NewMemory creates an in-memory limiter.
func NewMemory() *Memory {
	return &Memory{state: make(map[string]*memoryWindow), now: time.Now}
}

// Allow increments the counter for key and reports whether it stayed
// within limit for the current window.
func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.state[key]
	if !ok || now.Sub(w.windowStart) >= window {
		m.state[key] = &memoryWindow{attempts: 1, windowStart: now}
		return limit >= 1, nil
	}
	w.attempts++
	return w.attempts <= limit, nil
}
