package security

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultLimiterCleanupInterval is how often idle keys are swept
	DefaultLimiterCleanupInterval = 5 * time.Minute
)

// windowEntry tracks request timestamps for one key.
// All fields are guarded by mu.
type windowEntry struct {
	mu         sync.Mutex
	stamps     []time.Time // ascending; pruned on every access
	window     time.Duration
	lastAccess time.Time
	removed    bool // set by cleanup once the entry left the index
}

// prune drops timestamps at or before cutoff (in-place filtering).
// Must be called with mu locked.
func (e *windowEntry) prune(cutoff time.Time) {
	n := 0
	for _, t := range e.stamps {
		if t.After(cutoff) {
			e.stamps[n] = t
			n++
		}
	}
	// release the backing array of a fully drained burst
	if n == 0 {
		e.stamps = nil
		return
	}
	e.stamps = e.stamps[:n]
}

// SlidingWindowLimiter is a sliding-window rate limiter keyed by caller identity or IP.
// Every key owns its own lock, so distinct keys never contend with each other.
// State lives in memory only and is not preserved across restarts.
type SlidingWindowLimiter struct {
	entries         sync.Map // key -> *windowEntry
	clock           Clock
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalBlocked  atomic.Int64
	totalAllowed  atomic.Int64
	totalRemoved  atomic.Int64
	totalCleanups atomic.Int64
}

// NewSlidingWindowLimiter creates a limiter with the default cleanup interval.
// A nil clock uses SystemClock, a nil logger uses slog.Default().
func NewSlidingWindowLimiter(clock Clock, logger *slog.Logger) *SlidingWindowLimiter {
	return NewSlidingWindowLimiterWithCleanupInterval(clock, DefaultLimiterCleanupInterval, logger)
}

// NewSlidingWindowLimiterWithCleanupInterval creates a limiter with a custom sweep interval
func NewSlidingWindowLimiterWithCleanupInterval(clock Clock, cleanupInterval time.Duration, logger *slog.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultLimiterCleanupInterval
		logger.Warn("Invalid cleanupInterval, using default", "cleanupInterval", cleanupInterval)
	}

	l := &SlidingWindowLimiter{
		clock:           clockOrDefault(clock),
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	logger.Info("Sliding window rate limiter initialized", "cleanup_interval", cleanupInterval)

	return l
}

// entry returns the live entry for key, creating it if needed
func (l *SlidingWindowLimiter) entry(key string) *windowEntry {
	if v, ok := l.entries.Load(key); ok {
		return v.(*windowEntry)
	}
	v, _ := l.entries.LoadOrStore(key, &windowEntry{})
	return v.(*windowEntry)
}

// Allow reports whether a request for key is accepted under maxRequests per window.
// Timestamps at or before now-window are pruned first. An accepted request is recorded;
// a rejected one leaves the window untouched.
func (l *SlidingWindowLimiter) Allow(key string, maxRequests int, window time.Duration) bool {
	for {
		e := l.entry(key)
		e.mu.Lock()
		if e.removed {
			// lost a race with cleanup; retry on the replacement entry
			e.mu.Unlock()
			continue
		}

		now := l.clock.Now()
		e.prune(windowStart(now, window))
		e.lastAccess = now
		if window > e.window {
			e.window = window
		}

		count := len(e.stamps)
		if count >= maxRequests {
			e.mu.Unlock()
			blocked := l.totalBlocked.Add(1)
			l.logger.Warn("Rate limit exceeded",
				"key", key,
				"requests_in_window", count,
				"max_requests", maxRequests,
				"window", window,
				"total_blocked", blocked)
			return false
		}

		e.stamps = append(e.stamps, now)
		e.mu.Unlock()
		l.totalAllowed.Add(1)
		return true
	}
}

// Count returns the number of accepted requests for key inside the window ending now.
// It prunes but never records.
func (l *SlidingWindowLimiter) Count(key string, window time.Duration) int {
	v, ok := l.entries.Load(key)
	if !ok {
		return 0
	}
	e := v.(*windowEntry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0
	}
	e.prune(windowStart(l.clock.Now(), window))
	return len(e.stamps)
}

// Reset forgets all recorded requests for key
func (l *SlidingWindowLimiter) Reset(key string) {
	v, ok := l.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*windowEntry)

	e.mu.Lock()
	e.removed = true
	l.entries.CompareAndDelete(key, e)
	e.mu.Unlock()
}

// cleanupLoop periodically removes idle entries to prevent memory leaks
func (l *SlidingWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries whose newest access is older than the largest window
// they were checked against. Such entries would be empty after pruning anyway.
func (l *SlidingWindowLimiter) Cleanup() {
	now := l.clock.Now()
	removed := 0

	l.entries.Range(func(k, v any) bool {
		e := v.(*windowEntry)
		e.mu.Lock()
		if !e.removed && now.Sub(e.lastAccess) > e.window {
			e.removed = true
			l.entries.CompareAndDelete(k, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})

	if removed > 0 {
		l.totalRemoved.Add(int64(removed))
		cleanups := l.totalCleanups.Add(1)
		l.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"total_cleanups", cleanups)
	}
}

// Stop gracefully stops the cleanup goroutine
// Safe to call multiple times concurrently
func (l *SlidingWindowLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
		l.logger.Debug("Sliding window rate limiter stopped")
	})
}

// LimiterStats holds rate limiter statistics for monitoring
type LimiterStats struct {
	TrackedKeys   int   // Current number of tracked keys
	TotalBlocked  int64 // Total requests rejected
	TotalAllowed  int64 // Total requests accepted
	TotalRemoved  int64 // Total idle keys removed by cleanup
	TotalCleanups int64 // Total cleanup runs that removed at least one key
}

// GetStats returns current rate limiter statistics
func (l *SlidingWindowLimiter) GetStats() LimiterStats {
	tracked := 0
	l.entries.Range(func(_, _ any) bool {
		tracked++
		return true
	})

	return LimiterStats{
		TrackedKeys:   tracked,
		TotalBlocked:  l.totalBlocked.Load(),
		TotalAllowed:  l.totalAllowed.Load(),
		TotalRemoved:  l.totalRemoved.Load(),
		TotalCleanups: l.totalCleanups.Load(),
	}
}
