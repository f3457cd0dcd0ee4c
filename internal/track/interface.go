package track

import (
	"net"
	"time"

	"github.com/nnesterov/vrrpd/internal/netlinkmgr"
)

// InterfaceCondition tracks IFF_UP (and, if Strict, IFF_RUNNING) on a
// named interface (spec.md §4.6 "Interface tracking"), fed by
// netlinkmgr.Manager's event stream rather than polling.
type InterfaceCondition struct {
	id     string
	weight int
	reverse bool
	strict bool

	up      bool
	running bool

	onChange func()
}

// NewInterfaceCondition registers a condition for ifIndex with nl,
// starting from the interface's current IFF_UP/IFF_RUNNING flags (or
// "up" if the interface cannot be looked up) and following nl's
// IfaceUp/IfaceDown events from then on.
func NewInterfaceCondition(id string, weight int, reverse, strict bool, nl *netlinkmgr.Manager, ifIndex int) *InterfaceCondition {
	c := &InterfaceCondition{id: id, weight: weight, reverse: reverse, strict: strict, up: true, running: true}
	if ifc, err := net.InterfaceByIndex(ifIndex); err == nil {
		c.up = ifc.Flags&net.FlagUp != 0
		c.running = ifc.Flags&net.FlagRunning != 0
	}
	nl.Subscribe(func(e netlinkmgr.Event) {
		if e.IfIndex != ifIndex {
			return
		}
		switch e.Kind {
		case netlinkmgr.IfaceUp:
			c.up = true
			c.running = true
		case netlinkmgr.IfaceDown:
			c.up = false
			c.running = false
		default:
			return
		}
		if c.onChange != nil {
			c.onChange()
		}
	})
	return c
}

// SetOnChange registers fn to run every time an IFF_UP/IFF_RUNNING
// transition changes Evaluate's outcome, letting a Tracker recompute
// immediately instead of waiting for its poll tick.
func (c *InterfaceCondition) SetOnChange(fn func()) { c.onChange = fn }

func (c *InterfaceCondition) ID() string { return c.id }

func (c *InterfaceCondition) Weight() (int, bool) { return c.weight, c.reverse }

func (c *InterfaceCondition) Evaluate(now time.Time) Outcome {
	ok := c.up
	if c.strict {
		ok = c.up && c.running
	}
	if ok {
		return Satisfied
	}
	return Failed
}
