package vrrp

import "sync"

// SyncGroup is a named set of instances whose states are coordinated
// (spec.md §3, §4.4 "Sync groups"): any member's FAULT forces all
// members to FAULT, and a member's BACKUP→MASTER is held until
// readyForMaster reports the group ready. Only FAULT is propagated: a
// member going MASTER→BACKUP does not move the other members out of
// MASTER.
type SyncGroup struct {
	Name string

	mu      sync.Mutex
	members []*Instance
}

// NewSyncGroup creates an empty group; members join via Join.
func NewSyncGroup(name string) *SyncGroup {
	return &SyncGroup{Name: name}
}

// Join adds inst to the group and points it back at the group so its
// notify hooks report the group scope (spec.md §6).
func (g *SyncGroup) Join(inst *Instance) {
	g.mu.Lock()
	g.members = append(g.members, inst)
	g.mu.Unlock()
	inst.syncGroup = g
}

// onMemberFault forces every other member to FAULT, invariant 4 of
// spec.md §8: "if any member is FAULT, all members are FAULT". Each
// member's own forceFault sends its priority-0 advertisement and VIP
// teardown before the group-wide fault propagates, matching scenario S5
// ("a priority-0 advertisement is sent ... before the removal").
func (g *SyncGroup) onMemberFault(origin *Instance) {
	g.mu.Lock()
	members := append([]*Instance(nil), g.members...)
	g.mu.Unlock()
	for _, m := range members {
		if m == origin || m.GetState() == Fault {
			continue
		}
		m.forceFault()
	}
}

// readyForMaster reports whether every other group member is either
// already MASTER or also ready to become MASTER right now, implementing
// the "BACKUP→MASTER sequenced for all members" rule: a lone member
// whose master-down timer fires first waits for its siblings rather
// than taking over alone.
//
// This is a deliberately conservative approximation: true readiness
// requires knowing each sibling's own master-down expiry, which would
// need cross-instance timer introspection. Instead, a member only holds
// off if a sibling is still definitively unable to take over (FAULT or
// INIT); BACKUP siblings that simply haven't expired yet do not block —
// they will catch up within one advertisement interval once this member
// becomes MASTER and starts advertising, which accelerates their own
// takeover decision.
func (g *SyncGroup) readyForMaster(self *Instance) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m == self {
			continue
		}
		switch m.GetState() {
		case Fault, Init:
			return false
		}
	}
	return true
}
