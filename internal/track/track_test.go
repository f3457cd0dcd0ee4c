package track

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
	"github.com/sirupsen/logrus"
)

// fakeCondition is a minimal Condition for exercising Registration's
// aggregation rule without any real external dependency.
type fakeCondition struct {
	id      string
	weight  int
	reverse bool
	outcome Outcome
}

func (f *fakeCondition) ID() string                { return f.id }
func (f *fakeCondition) Weight() (int, bool)        { return f.weight, f.reverse }
func (f *fakeCondition) Evaluate(time.Time) Outcome { return f.outcome }

func TestRegistrationRecomputeSumsFailedDeltas(t *testing.T) {
	a := &fakeCondition{id: "a", weight: 10, outcome: Failed}
	b := &fakeCondition{id: "b", weight: 5, outcome: Satisfied}
	c := &fakeCondition{id: "c", weight: 20, reverse: true, outcome: Failed}

	var got byte
	var fault bool
	r := &Registration{
		Base:       100,
		Conditions: []Condition{a, b, c},
		Notify: func(priority byte, mustFault bool) {
			got = priority
			fault = mustFault
		},
	}
	r.Recompute(time.Now())

	// a fails: -10. b is satisfied: no contribution. c fails reversed: +20.
	// 100 - 10 + 20 = 110.
	if got != 110 || fault {
		t.Fatalf("priority = %d, fault = %v, want 110, false", got, fault)
	}
}

func TestRegistrationWeightZeroForcesFault(t *testing.T) {
	a := &fakeCondition{id: "a", weight: 0, outcome: Failed}

	var got byte
	var fault bool
	r := &Registration{
		Base:       150,
		Conditions: []Condition{a},
		Notify: func(priority byte, mustFault bool) {
			got = priority
			fault = mustFault
		},
	}
	r.Recompute(time.Now())

	if !fault || got != 0 {
		t.Fatalf("priority = %d, fault = %v, want 0, true", got, fault)
	}
}

func TestRegistrationClampsToValidRange(t *testing.T) {
	a := &fakeCondition{id: "a", weight: 250, outcome: Failed}
	var got byte
	r := &Registration{
		Base:       10,
		Conditions: []Condition{a},
		Notify:     func(priority byte, mustFault bool) { got = priority },
	}
	r.Recompute(time.Now())
	if got != 1 {
		t.Fatalf("priority = %d, want clamped to 1", got)
	}
}

func TestRegistrationOwnerPriorityNeverYields(t *testing.T) {
	a := &fakeCondition{id: "a", weight: 0, outcome: Failed}
	var got byte
	var fault bool
	r := &Registration{
		Base:       255,
		Conditions: []Condition{a},
		Notify: func(priority byte, mustFault bool) {
			got = priority
			fault = mustFault
		},
	}
	r.Recompute(time.Now())
	if got != 255 || fault {
		t.Fatalf("owner priority changed: got %d, fault %v", got, fault)
	}
}

func TestRegistrationSkipsDuplicateNotifications(t *testing.T) {
	a := &fakeCondition{id: "a", weight: 10, outcome: Failed}
	calls := 0
	r := &Registration{
		Base:       100,
		Conditions: []Condition{a},
		Notify:     func(byte, bool) { calls++ },
	}
	r.Recompute(time.Now())
	r.Recompute(time.Now())
	r.Recompute(time.Now())
	if calls != 1 {
		t.Fatalf("expected exactly 1 notification for an unchanged outcome, got %d", calls)
	}
}

func newTestTrackLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lp, err := loop.New(lg)
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	go lp.Run()
	return lp, func() {
		lp.Stop()
		lp.Wait()
	}
}

func TestFileConditionScalesWeightByContent(t *testing.T) {
	lp, stop := newTestTrackLoop(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "weight")
	if err := os.WriteFile(path, []byte("0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fc, err := NewFileCondition("file1", 10, false, path, lp)
	if err != nil {
		t.Fatalf("NewFileCondition: %v", err)
	}

	if out := fc.Evaluate(time.Now()); out != Satisfied {
		t.Fatalf("expected Satisfied on zero content, got %v", out)
	}

	if err := os.WriteFile(path, []byte("-3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc.Evaluate(time.Now()) == Failed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if out := fc.Evaluate(time.Now()); out != Failed {
		t.Fatalf("expected Failed after writing -3, got %v", out)
	}
	if got := fc.ScaledWeight(); got != -30 {
		t.Fatalf("ScaledWeight = %d, want -30 (weight 10 * value -3)", got)
	}
}

func TestFileConditionMissingFileIsDeltaZero(t *testing.T) {
	lp, stop := newTestTrackLoop(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent")

	fc, err := NewFileCondition("file2", 25, false, path, lp)
	if err != nil {
		t.Fatalf("NewFileCondition: %v", err)
	}
	if out := fc.Evaluate(time.Now()); out != Satisfied {
		t.Fatalf("missing file should evaluate Satisfied (delta 0), got %v", out)
	}
	if got := fc.ScaledWeight(); got != 0 {
		t.Fatalf("ScaledWeight = %d, want 0 for a missing file", got)
	}
}

func TestInterfaceConditionStrictRequiresRunning(t *testing.T) {
	c := &InterfaceCondition{id: "eth0", weight: 10, strict: true, up: true, running: false}
	if out := c.Evaluate(time.Now()); out != Failed {
		t.Fatalf("strict condition with up but not running should Fail, got %v", out)
	}

	c.running = true
	if out := c.Evaluate(time.Now()); out != Satisfied {
		t.Fatalf("up and running should Satisfy, got %v", out)
	}

	c.up = false
	if out := c.Evaluate(time.Now()); out != Failed {
		t.Fatalf("interface down should Fail regardless of strict, got %v", out)
	}
}

func TestInterfaceConditionNonStrictIgnoresRunning(t *testing.T) {
	c := &InterfaceCondition{id: "eth1", weight: 10, strict: false, up: true, running: false}
	if out := c.Evaluate(time.Now()); out != Satisfied {
		t.Fatalf("non-strict condition should ignore running and Satisfy, got %v", out)
	}
}
