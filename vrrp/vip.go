package vrrp

import "net/netip"

// VIP is a virtual IP address owned by an Instance, per spec.md §3. A VIP
// is "in kernel" iff its owning instance is MASTER and the owning
// interface is up (invariant 2, spec.md §8) — Instance.enterMaster /
// leaveMaster program and remove it, and Stop removes it on shutdown.
type VIP struct {
	Addr      netip.Addr
	PrefixLen int
	// IfaceOverride names another interface for this VIP (eVIP support).
	// It is not consulted: VIPs are always programmed on the owning
	// Instance's interface.
	IfaceOverride string
	// Secondary marks this as an eVIP. The address programmer sets
	// IFA_F_SECONDARY on every VIP, so this flag does not change the
	// netlink request.
	Secondary bool
	// DontTrack: a programming failure for this VIP does not FAULT the
	// instance (spec.md §3, §4.4 failure semantics).
	DontTrack bool

	// PreferredLifetime / ValidLifetime populate IFA_CACHEINFO when set
	// (spec.md §4.5); zero means "infinite", matching netlink's default.
	PreferredLifetime uint32
	ValidLifetime     uint32
}
