package vrrp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nnesterov/vrrpd/internal/track"
)

// fakeTrackCondition is a minimal track.Condition a test can flip
// between Satisfied and Failed on demand, pushing the change through
// SetOnChange the same way InterfaceCondition/ScriptCondition do.
type fakeTrackCondition struct {
	id      string
	weight  int
	reverse bool

	mu       sync.Mutex
	outcome  track.Outcome
	onChange func()
}

func (f *fakeTrackCondition) ID() string                  { return f.id }
func (f *fakeTrackCondition) Weight() (int, bool)          { return f.weight, f.reverse }
func (f *fakeTrackCondition) SetOnChange(fn func())        { f.onChange = fn }
func (f *fakeTrackCondition) Evaluate(time.Time) track.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

func (f *fakeTrackCondition) setOutcome(o track.Outcome) {
	f.mu.Lock()
	f.outcome = o
	f.mu.Unlock()
	if f.onChange != nil {
		f.onChange()
	}
}

// TestTrackerPreemption covers spec.md §8 scenario S6: a tracked
// condition's weight lowers the MASTER's effective priority below a
// preempting BACKUP's, and the BACKUP takes over.
func TestTrackerPreemption(t *testing.T) {
	lp, stop := newTestLoop(t)
	defer stop()

	m := newMedium()
	progHi := newFakeAddressProgrammer()
	progLo := newFakeAddressProgrammer()
	annHi := &fakeAnnouncer{}
	annLo := &fakeAnnouncer{}

	var hi, lo *Instance
	var cond *fakeTrackCondition
	done := make(chan struct{})
	lp.Post(func() {
		hi = newTestInstance(t, lp, m, "hi", 1, net.ParseIP("10.0.0.2"), 120, []VIP{vip("10.0.0.100")}, progHi, annHi)
		lo = newTestInstance(t, lp, m, "lo", 2, net.ParseIP("10.0.0.3"), 100, []VIP{vip("10.0.0.100")}, progLo, annLo)
		if err := hi.Start(); err != nil {
			t.Errorf("hi.Start: %v", err)
		}
		if err := lo.Start(); err != nil {
			t.Errorf("lo.Start: %v", err)
		}

		cond = &fakeTrackCondition{id: "fake", weight: 30, outcome: track.Satisfied}
		track.NewTracker(lp, hi.BasePriority(), []track.Condition{cond}, hi.ApplyTrackerPriority)
		close(done)
	})
	<-done

	waitForState(t, hi, Master, 2*time.Second)
	waitForState(t, lo, Backup, 2*time.Second)

	if got := hi.GetPriority(); got != 120 {
		t.Fatalf("hi priority before tracker failure: got %d, want 120", got)
	}

	lp.Post(func() { cond.setOutcome(track.Failed) })

	waitForState(t, lo, Master, 2*time.Second)
	waitForState(t, hi, Backup, 2*time.Second)

	if got := hi.GetPriority(); got != 90 {
		t.Fatalf("hi priority after tracker failure: got %d, want 90", got)
	}
	if !progLo.has("10.0.0.100") {
		t.Error("expected lo to have programmed the VIP after preempting")
	}
}
