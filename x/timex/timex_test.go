package timex

import (
	"testing"
	"time"
)

func TestResetAndDrainTimer(t *testing.T) {
	tm := NewStoppedTimer()
	select {
	case <-tm.C:
		t.Fatal("stopped timer fired")
	case <-time.After(5 * time.Millisecond):
	}

	ResetTimer(tm, time.Millisecond)
	select {
	case <-tm.C:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timer did not fire after reset")
	}

	// Re-arm with a pending fire in the channel; it must be drained.
	ResetTimer(tm, 0)
	time.Sleep(2 * time.Millisecond)
	ResetTimer(tm, time.Hour)
	select {
	case <-tm.C:
		t.Fatal("stale fire not drained")
	default:
	}
}

func TestDeadlines(t *testing.T) {
	if Expired(DeadlineAfter(0)) {
		t.Fatal("zero deadline must never expire")
	}
	if !DeadlineAfter(0).IsZero() {
		t.Fatal("DeadlineAfter(0) should be zero")
	}
	d := DeadlineAfter(time.Millisecond)
	if Expired(d) {
		t.Fatal("expired too early")
	}
	time.Sleep(3 * time.Millisecond)
	if !Expired(d) {
		t.Fatal("deadline did not expire")
	}
}
