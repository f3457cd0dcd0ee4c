package track

import (
	"time"

	"github.com/nnesterov/vrrpd/vrrp"
)

// PeerCondition derives a delta from another VRRP instance's state on
// the same node (spec.md §4.6 "Peer-instance tracking"), e.g. "go
// BACKUP if instance X is not MASTER". WantState is the state that
// counts as satisfied; any other state is a failure.
type PeerCondition struct {
	id      string
	weight  int
	reverse bool

	peer      *vrrp.Instance
	wantState vrrp.State
}

// NewPeerCondition ties a condition to peer, satisfied only while peer
// is in wantState.
func NewPeerCondition(id string, weight int, reverse bool, peer *vrrp.Instance, wantState vrrp.State) *PeerCondition {
	return &PeerCondition{id: id, weight: weight, reverse: reverse, peer: peer, wantState: wantState}
}

func (c *PeerCondition) ID() string { return c.id }

func (c *PeerCondition) Weight() (int, bool) { return c.weight, c.reverse }

func (c *PeerCondition) Evaluate(now time.Time) Outcome {
	if c.peer.GetState() == c.wantState {
		return Satisfied
	}
	return Failed
}
