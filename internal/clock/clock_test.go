package clock_test

import (
	"testing"
	"time"

	"pkt.systems/collabd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestOrRealFallsBack(t *testing.T) {
	t.Parallel()

	if _, ok := clock.OrReal(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	m := clock.NewManual(time.Unix(0, 0))
	if clock.OrReal(m) != m {
		t.Fatal("expected manual clock to be returned unchanged")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(time.Second)
	late := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}

	m.Advance(time.Second)
	select {
	case fired := <-early:
		if !fired.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}

	m.Set(start.Add(time.Minute))
	select {
	case <-late:
	default:
		t.Fatal("expected late timer to fire after Set")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected no pending timers, got %d", got)
	}
}

func TestManualSetIgnoresBackwards(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	m := clock.NewManual(start)
	m.Set(start.Add(-time.Hour))
	if !m.Now().Equal(start.UTC()) {
		t.Fatalf("clock moved backwards to %v", m.Now())
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		m.Sleep(time.Second)
		close(done)
	}()
	m.BlockUntil(1)
	m.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper was not released")
	}
}
