package track

import (
	"fmt"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
	"github.com/nnesterov/vrrpd/internal/netlinkmgr"
	"github.com/nnesterov/vrrpd/vrrp"
)

// Kind tags which concrete Condition a TrackerConfig builds, the
// tagged-variant redesign spec.md §9 asks for in place of one config
// subtype per kind.
type Kind int

const (
	KindInterface Kind = iota
	KindScript
	KindFile
	KindProcess
	KindPeer
)

// TrackerConfig is the validated, program-built configuration for one
// tracked Condition, mirroring vrrp.InstanceConfig: a plain Go struct
// with a validating constructor, not a config-file format (spec.md §3
// "configuration file parsing is out of scope").
type TrackerConfig struct {
	Kind    Kind
	ID      string
	Weight  int
	Reverse bool

	IfIndex int
	Strict  bool

	Cmd      string
	Args     []string
	Timeout  time.Duration
	Interval time.Duration
	Rise     int
	Fall     int

	Path string

	ProcessName  string
	MatchCmdline bool
	Quiescent    time.Duration

	Peer      *vrrp.Instance
	WantState vrrp.State
}

// Validate enforces the fields each Kind requires.
func (c TrackerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("track: condition id is required")
	}
	switch c.Kind {
	case KindInterface:
		if c.IfIndex == 0 {
			return fmt.Errorf("track: interface condition %q: ifindex is required", c.ID)
		}
	case KindScript:
		if c.Cmd == "" {
			return fmt.Errorf("track: script condition %q: cmd is required", c.ID)
		}
	case KindFile:
		if c.Path == "" {
			return fmt.Errorf("track: file condition %q: path is required", c.ID)
		}
	case KindProcess:
		if c.ProcessName == "" {
			return fmt.Errorf("track: process condition %q: name is required", c.ID)
		}
	case KindPeer:
		if c.Peer == nil {
			return fmt.Errorf("track: peer condition %q: peer instance is required", c.ID)
		}
	default:
		return fmt.Errorf("track: condition %q: unknown kind %d", c.ID, c.Kind)
	}
	return nil
}

// Build constructs the Condition c describes. nl is only consulted for
// KindInterface; lp is only consulted for kinds that schedule their own
// polling (script, file, process).
func (c TrackerConfig) Build(lp *loop.Loop, nl *netlinkmgr.Manager) (Condition, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindInterface:
		return NewInterfaceCondition(c.ID, c.Weight, c.Reverse, c.Strict, nl, c.IfIndex), nil
	case KindScript:
		return NewScriptCondition(c.ID, c.Weight, c.Reverse, c.Cmd, c.Args, c.Timeout, c.Interval, c.Rise, c.Fall, lp), nil
	case KindFile:
		return NewFileCondition(c.ID, c.Weight, c.Reverse, c.Path, lp)
	case KindProcess:
		return NewProcessCondition(c.ID, c.Weight, c.Reverse, c.ProcessName, c.MatchCmdline, c.Quiescent, c.Interval, lp), nil
	case KindPeer:
		return NewPeerCondition(c.ID, c.Weight, c.Reverse, c.Peer, c.WantState), nil
	}
	return nil, fmt.Errorf("track: condition %q: unknown kind %d", c.ID, c.Kind)
}

// BuildConditions builds every cfg in cfgs in order, stopping at the
// first error.
func BuildConditions(lp *loop.Loop, nl *netlinkmgr.Manager, cfgs []TrackerConfig) ([]Condition, error) {
	out := make([]Condition, 0, len(cfgs))
	for _, cfg := range cfgs {
		c, err := cfg.Build(lp, nl)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
