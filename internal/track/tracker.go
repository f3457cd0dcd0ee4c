package track

import (
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
)

// defaultPoll is the periodic Recompute interval backstopping any
// condition kind that has no push notification of its own (peer).
// Conditions that can detect their own change (interface, script, file,
// process) additionally Poke the Tracker the moment they change, so the
// poll interval only bounds worst-case latency.
const defaultPoll = 5 * time.Second

// onChanger is implemented by Condition kinds that can push a
// notification the moment their outcome changes, letting Tracker
// recompute immediately instead of waiting for the next poll tick.
type onChanger interface {
	SetOnChange(func())
}

// Tracker owns one Registration and is the thing spec.md §4.6 calls the
// per-instance tracker: it aggregates every Condition into an effective
// priority and delivers it through Registration.Notify (wired to
// vrrp.Instance.ApplyTrackerPriority by the caller) on a fixed poll plus
// on every condition-detected change.
type Tracker struct {
	lp  *loop.Loop
	reg *Registration
}

// NewTracker builds a Registration from base/conditions/notify, performs
// the initial Recompute so the instance starts with its effective
// priority already applied, subscribes to every condition that supports
// push notification, and arms the poll-interval backstop.
func NewTracker(lp *loop.Loop, base byte, conditions []Condition, notify Subscriber) *Tracker {
	reg := &Registration{Base: base, Conditions: conditions, Notify: notify}
	t := &Tracker{lp: lp, reg: reg}

	for _, c := range conditions {
		if oc, ok := c.(onChanger); ok {
			oc.SetOnChange(t.Poke)
		}
	}

	reg.Recompute(timeNow())
	lp.TickerFunc(defaultPoll, func(now time.Time) { reg.Recompute(now) })
	return t
}

// Poke forces an immediate Recompute, independent of the poll tick.
// Must run on the loop goroutine (every current caller — netlink event
// dispatch, the loop's own child reaper, a TickerFunc callback — already
// does).
func (t *Tracker) Poke() {
	t.reg.Recompute(timeNow())
}
