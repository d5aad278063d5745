package timex

import "time"

// ResetTimer stops t, drains a pending fire and re-arms it for d.
// Negative d is treated as zero.
func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

// DrainTimer consumes a pending fire without blocking.
func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// NewStoppedTimer returns a timer that will not fire until ResetTimer.
func NewStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		DrainTimer(t)
	}
	return t
}

// Expired reports whether a deadline has passed. A zero deadline never expires.
func Expired(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// DeadlineAfter returns now+d, or the zero time for d <= 0.
func DeadlineAfter(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
