package effect

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/nnesterov/vrrpd/internal/netlinkmgr"
	"github.com/nnesterov/vrrpd/vrrp"
)

// NetlinkAddressProgrammer implements vrrp.AddressProgrammer over
// vishvananda/netlink, the library this corpus' load-balancer and CNI
// plugins (purelb, cilium, nomad) use for address programming. All
// calls run through the owning netlinkmgr.Manager so they share its
// ACK-timeout-then-retry policy (spec.md §4.2).
type NetlinkAddressProgrammer struct {
	nl *netlinkmgr.Manager
}

// NewNetlinkAddressProgrammer binds a programmer to nl.
func NewNetlinkAddressProgrammer(nl *netlinkmgr.Manager) *NetlinkAddressProgrammer {
	return &NetlinkAddressProgrammer{nl: nl}
}

func ipNet(v vrrp.VIP) (*net.IPNet, error) {
	ip := net.IP(v.Addr.AsSlice())
	bits := v.PrefixLen
	if bits == 0 {
		if v.Addr.Is4() {
			bits = 32
		} else {
			bits = 128
		}
	}
	max := 32
	if v.Addr.Is6() {
		max = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, max)}, nil
}

// ProgramVIP adds v to iface as a secondary address (spec.md §4.5: VIPs
// are programmed IFA_F_SECONDARY so the kernel never treats them as the
// interface's primary/source address), honoring configured
// preferred/valid lifetimes via IFA_CACHEINFO.
func (p *NetlinkAddressProgrammer) ProgramVIP(iface *net.Interface, family vrrp.Family, v vrrp.VIP) error {
	link, err := netlink.LinkByIndex(iface.Index)
	if err != nil {
		return fmt.Errorf("effect: link lookup %s: %w", iface.Name, err)
	}
	ipn, err := ipNet(v)
	if err != nil {
		return err
	}
	addr := &netlink.Addr{
		IPNet: ipn,
		Flags: unix.IFA_F_SECONDARY,
	}
	if v.PreferredLifetime != 0 || v.ValidLifetime != 0 {
		addr.PreferedLft = int(v.PreferredLifetime)
		addr.ValidLft = int(v.ValidLifetime)
	}
	if err := p.nl.AddAddr(link, addr); err != nil {
		return fmt.Errorf("effect: program vip %s on %s: %w", v.Addr, iface.Name, err)
	}
	return nil
}

// RemoveVIP removes v from iface. Per spec.md §4.5's idempotence
// requirement, an already-absent address is not an error (the
// netlinkmgr DelAddr wrapper swallows ENOENT/EADDRNOTAVAIL).
func (p *NetlinkAddressProgrammer) RemoveVIP(iface *net.Interface, family vrrp.Family, v vrrp.VIP) error {
	link, err := netlink.LinkByIndex(iface.Index)
	if err != nil {
		return fmt.Errorf("effect: link lookup %s: %w", iface.Name, err)
	}
	ipn, err := ipNet(v)
	if err != nil {
		return err
	}
	addr := &netlink.Addr{IPNet: ipn}
	if err := p.nl.DelAddr(link, addr); err != nil {
		return fmt.Errorf("effect: remove vip %s on %s: %w", v.Addr, iface.Name, err)
	}
	return nil
}
