package security

import "time"

// Clock abstracts the current time so that window and expiry decisions are
// deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock. It reports wall-clock time in UTC.
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f
func (f ClockFunc) Now() time.Time {
	return f()
}

// clockOrDefault returns c, or SystemClock when c is nil
func clockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// IsExpiredAt reports whether a credential expiring at expiresAt is expired at now.
// Exact equality counts as expired. A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// windowStart returns the exclusive lower bound of a rolling window ending at now.
// Timestamps at or before the returned instant fall outside the window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}
