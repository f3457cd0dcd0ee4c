package track

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
)

// ScriptCondition periodically forks a command and tracks its exit
// status (spec.md §4.6 "Script tracking"): 0 is success, non-zero or a
// signal kill is failure, and a state flip only latches after Rise (for
// success) or Fall (for failure) consecutive confirming runs.
//
// The fork itself (cmd.Start) runs directly on the loop goroutine, same
// as Engine.notify — it's a fast syscall, not the blocking part. Waiting
// for completion goes through the loop's own SIGCHLD-driven reaper via
// WatchChild rather than cmd.Wait, so the two reapers never race for
// the same child; a timeout is enforced with an AfterFunc that kills
// the process rather than context.WithTimeout, since the latter needs
// Wait to avoid leaking its watchdog goroutine.
type ScriptCondition struct {
	id      string
	weight  int
	reverse bool

	cmd     string
	args    []string
	timeout time.Duration
	rise    int
	fall    int

	lp *loop.Loop

	mu           sync.Mutex
	confirmed    Outcome
	streak       int
	streakKind   Outcome

	onChange func()
}

// NewScriptCondition schedules cmd/args on lp every interval, with the
// rise/fall confirmation counts spec.md §4.6 specifies (default 1/1,
// i.e. immediate).
func NewScriptCondition(id string, weight int, reverse bool, cmd string, args []string, timeout, interval time.Duration, rise, fall int, lp *loop.Loop) *ScriptCondition {
	if rise <= 0 {
		rise = 1
	}
	if fall <= 0 {
		fall = 1
	}
	c := &ScriptCondition{
		id: id, weight: weight, reverse: reverse,
		cmd: cmd, args: args, timeout: timeout,
		rise: rise, fall: fall, lp: lp,
		confirmed: Satisfied,
	}
	c.scheduleNext(interval)
	return c
}

func (c *ScriptCondition) scheduleNext(interval time.Duration) {
	c.lp.TickerFunc(interval, func(time.Time) { c.run() })
}

// run forks cmd/args and arranges for its result to reach record via
// the loop's child reaper. Must run on the loop goroutine (it always
// does: scheduled from a TickerFunc callback).
func (c *ScriptCondition) run() {
	cmd := exec.Command(c.cmd, c.args...)
	if err := cmd.Start(); err != nil {
		c.record(Failed)
		return
	}
	timer := c.lp.AfterFunc(c.timeout, func(time.Time) {
		_ = cmd.Process.Kill()
	})
	c.lp.WatchChild(cmd.Process.Pid, func(_ int, ws syscall.WaitStatus) {
		c.lp.CancelTimer(timer)
		outcome := Satisfied
		if !ws.Exited() || ws.ExitStatus() != 0 {
			outcome = Failed
		}
		if c.record(outcome) && c.onChange != nil {
			c.onChange()
		}
	})
}

// record folds outcome into the rise/fall confirmation streak and
// reports whether the confirmed Outcome actually changed, so callers can
// push a Tracker notification only on a real latch.
func (c *ScriptCondition) record(outcome Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outcome != c.streakKind {
		c.streakKind = outcome
		c.streak = 0
	}
	c.streak++
	need := c.rise
	if outcome == Failed {
		need = c.fall
	}
	if c.streak >= need && c.confirmed != outcome {
		c.confirmed = outcome
		return true
	}
	return false
}

// SetOnChange registers fn to run every time a confirmed run-result
// latch flips, letting a Tracker recompute immediately instead of
// waiting for its poll tick.
func (c *ScriptCondition) SetOnChange(fn func()) { c.onChange = fn }

func (c *ScriptCondition) ID() string { return c.id }

func (c *ScriptCondition) Weight() (int, bool) { return c.weight, c.reverse }

func (c *ScriptCondition) Evaluate(now time.Time) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}
