package loop

import (
	"testing"
	"time"
)

func TestTimerWheelOrdersByDeadlineThenInsertion(t *testing.T) {
	w := newTimerWheel()
	var fired []int
	base := time.Now()

	w.insert(&timerEntry{deadline: base, fn: func(time.Time) { fired = append(fired, 1) }})
	w.insert(&timerEntry{deadline: base, fn: func(time.Time) { fired = append(fired, 2) }})
	w.insert(&timerEntry{deadline: base.Add(-time.Second), fn: func(time.Time) { fired = append(fired, 0) }})

	w.fireDue(base)

	if len(fired) != 3 || fired[0] != 0 || fired[1] != 1 || fired[2] != 2 {
		t.Fatalf("unexpected fire order: %v", fired)
	}
}

func TestTimerWheelCancelIsIdempotent(t *testing.T) {
	w := newTimerWheel()
	fired := false
	id := w.insert(&timerEntry{deadline: time.Now(), fn: func(time.Time) { fired = true }})

	w.cancel(id)
	w.cancel(id) // must not panic or double-fire

	w.fireDue(time.Now().Add(time.Hour))
	if fired {
		t.Fatal("canceled timer fired")
	}
}

func TestTimerWheelCancelFromWithinCallback(t *testing.T) {
	w := newTimerWheel()
	var other TimerID
	var otherFired bool

	other = w.insert(&timerEntry{deadline: time.Now(), fn: func(time.Time) { otherFired = true }})
	_ = w.insert(&timerEntry{deadline: time.Now(), fn: func(time.Time) { w.cancel(other) }})

	w.fireDue(time.Now())
	if otherFired {
		t.Fatal("timer canceled from within another callback still fired")
	}
}

func TestTimerWheelPeriodicReschedulesFromScheduledDeadline(t *testing.T) {
	w := newTimerWheel()
	base := time.Now()
	var deadlines []time.Time

	id := w.insert(&timerEntry{deadline: base, period: 100 * time.Millisecond, fn: func(time.Time) {}})
	w.fireDue(base)

	e, ok := w.byID[id] // the rescheduled entry keeps its id
	if !ok {
		t.Fatal("periodic timer was not rescheduled")
	}
	deadlines = append(deadlines, e.deadline)
	want := base.Add(100 * time.Millisecond)
	if !deadlines[0].Equal(want) {
		t.Fatalf("rescheduled deadline = %v, want %v (drift-free from scheduled time)", deadlines[0], want)
	}
}

func TestNextDeadlineSkipsCanceled(t *testing.T) {
	w := newTimerWheel()
	base := time.Now()
	id := w.insert(&timerEntry{deadline: base, fn: func(time.Time) {}})
	w.insert(&timerEntry{deadline: base.Add(time.Second), fn: func(time.Time) {}})

	w.cancel(id)

	d, ok := w.nextDeadline()
	if !ok {
		t.Fatal("expected a live deadline")
	}
	if !d.Equal(base.Add(time.Second)) {
		t.Fatalf("nextDeadline = %v, want base+1s", d)
	}
}
