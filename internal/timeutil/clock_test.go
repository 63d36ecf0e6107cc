package timeutil

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	t.Parallel()

	var clock Clock = RealClock{}

	before := clock.Now()
	if clock.Since(before) < 0 {
		t.Error("Since returned a negative duration")
	}

	select {
	case <-clock.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After(1ms) did not fire within a second")
	}

	ticker := clock.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not tick within a second")
	}
}

func TestMockClock(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	clock := NewMockClock(start)

	if !clock.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", clock.Now(), start)
	}

	// After fires immediately, records the delay, and advances the clock.
	<-clock.After(5 * time.Second)
	<-clock.After(2 * time.Second)

	if got := clock.Now(); !got.Equal(start.Add(7 * time.Second)) {
		t.Errorf("Now after waits = %v, want %v", got, start.Add(7*time.Second))
	}

	durations := clock.AfterDurations()
	if len(durations) != 2 || durations[0] != 5*time.Second || durations[1] != 2*time.Second {
		t.Errorf("AfterDurations = %v, want [5s 2s]", durations)
	}

	if got := clock.Since(start); got != 7*time.Second {
		t.Errorf("Since(start) = %v, want 7s", got)
	}

	clock.Set(time.Unix(500, 0))
	if !clock.Now().Equal(time.Unix(500, 0)) {
		t.Errorf("Now after Set = %v", clock.Now())
	}
}

func TestMockTicker(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()

	// Never fires on its own.
	select {
	case <-ticker.C():
		t.Fatal("mock ticker fired without Trigger")
	default:
	}

	now := time.Unix(60, 0)
	ticker.(*MockTicker).Trigger(now)
	if got := <-ticker.C(); !got.Equal(now) {
		t.Errorf("tick = %v, want %v", got, now)
	}
}
