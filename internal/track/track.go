// Package track implements the tracker (spec.md §4.6, component F):
// interface, script, file, process, and peer-instance conditions that
// compose into an effective priority delta per instance, generalizing
// the tagged-variant redesign spec.md §9 calls for in place of a
// virtual-method chain.
package track

import (
	"time"
)

// Outcome is the uniform evaluate(now) contract spec.md §9 asks for in
// place of per-kind virtual dispatch.
type Outcome int

const (
	Satisfied Outcome = iota
	Failed
)

// Condition is any of the five tracker kinds. Evaluate must be
// non-blocking (spec.md §5 "every callback must be non-blocking");
// kinds whose underlying check is blocking (script exec, process scan)
// run that check asynchronously and cache the latest Outcome.
type Condition interface {
	// ID identifies this condition for the (kind, id) -> weight keying
	// spec.md §4.6 describes.
	ID() string
	// Weight returns (weight, reverse). weight == 0 means a binary
	// must-fault condition.
	Weight() (weight int, reverse bool)
	// Evaluate returns the condition's current outcome without blocking.
	Evaluate(now time.Time) Outcome
}

// scaledWeighter is implemented by conditions (file tracking) whose
// delta is the product of a configured weight and an external value,
// rather than the fixed +-weight every other kind contributes.
type scaledWeighter interface {
	ScaledWeight() int
}

// Delta computes the signed priority adjustment a failed condition
// contributes, honoring the reverse flag (reverse flips which side of
// up/down applies the weight, for conditions where "failed" should add
// rather than subtract).
func Delta(c Condition) int {
	if sw, ok := c.(scaledWeighter); ok {
		return sw.ScaledWeight()
	}
	weight, reverse := c.Weight()
	if weight < 0 {
		weight = -weight
		reverse = !reverse
	}
	if reverse {
		return weight
	}
	return -weight
}

// Subscriber receives the recomputed effective priority and must-fault
// flag whenever any tracked condition's outcome changes, mirroring
// vrrp.Instance.ApplyTrackerPriority's signature so a Tracker can call
// it directly.
type Subscriber func(effectivePriority byte, mustFault bool)

// Registration binds a set of Conditions and a base priority to one
// Subscriber, recomputing and notifying on every Recompute call.
type Registration struct {
	Base       byte
	Conditions []Condition
	Notify     Subscriber

	lastPriority byte
	lastFault    bool
	initialized  bool
}

// Recompute applies the aggregation rule of spec.md §4.6: start from
// Base, apply every failed condition's delta, short-circuit to
// must_fault if a weight-0 condition failed, then clamp to [1,254]
// unless Base is 255 (the address owner, which never yields priority
// to a tracker).
func (r *Registration) Recompute(now time.Time) {
	if r.Base == 255 {
		r.apply(255, false)
		return
	}

	sum := int(r.Base)
	mustFault := false
	for _, c := range r.Conditions {
		if c.Evaluate(now) != Failed {
			continue
		}
		weight, _ := c.Weight()
		if weight == 0 {
			mustFault = true
			continue
		}
		sum += Delta(c)
	}

	priority := sum
	if mustFault {
		priority = 0
	} else {
		if priority < 1 {
			priority = 1
		}
		if priority > 254 {
			priority = 254
		}
	}
	r.apply(byte(priority), mustFault)
}

func (r *Registration) apply(priority byte, mustFault bool) {
	if r.initialized && priority == r.lastPriority && mustFault == r.lastFault {
		return
	}
	r.initialized = true
	r.lastPriority = priority
	r.lastFault = mustFault
	if r.Notify != nil {
		r.Notify(priority, mustFault)
	}
}
