// Package effect implements the effectuation layer (spec.md §4.5,
// component E): programming VIPs onto the kernel, sending gratuitous
// ARP / unsolicited NA, and the optional nftables blackhole filter.
// Grounded on the teacher's vip_announcer.go (mdlayher/arp, mdlayher/ndp)
// generalized from a fixed "announce once on MASTER entry" call into the
// Announcer interface vrrp.Instance drives for every announce round.
package effect

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ndp"

	"github.com/nnesterov/vrrpd/vrrp"
)

// broadcastMAC is the Ethernet broadcast address gratuitous ARP replies
// are sent to, matching the teacher's BroadcastHADAR constant.
var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ArpNdpAnnouncer implements vrrp.Announcer with one ARP client and one
// NDP connection per interface, lazily dialed and cached since an
// Instance may announce many times over its MASTER tenure.
type ArpNdpAnnouncer struct {
	mu    sync.Mutex
	arpc  map[int]*arp.Client
	ndpc  map[int]*ndp.Conn
}

// NewArpNdpAnnouncer creates an announcer with no open sockets; they are
// dialed on first use per interface.
func NewArpNdpAnnouncer() *ArpNdpAnnouncer {
	return &ArpNdpAnnouncer{
		arpc: make(map[int]*arp.Client),
		ndpc: make(map[int]*ndp.Conn),
	}
}

// Announce sends one gratuitous ARP (IPv4) or unsolicited neighbor
// advertisement (IPv6) for addr on iface, per spec.md §4.5 "Gratuitous
// ARP / unsolicited NA".
func (a *ArpNdpAnnouncer) Announce(iface *net.Interface, family vrrp.Family, addr netip.Addr) error {
	if family == vrrp.IPv4 {
		return a.announceARP(iface, addr)
	}
	return a.announceNDP(iface, addr)
}

func (a *ArpNdpAnnouncer) arpClient(iface *net.Interface) (*arp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.arpc[iface.Index]; ok {
		return c, nil
	}
	c, err := arp.Dial(iface)
	if err != nil {
		return nil, fmt.Errorf("effect: arp dial on %s: %w", iface.Name, err)
	}
	a.arpc[iface.Index] = c
	return c, nil
}

func (a *ArpNdpAnnouncer) ndpConn(iface *net.Interface) (*ndp.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.ndpc[iface.Index]; ok {
		return c, nil
	}
	c, _, err := ndp.Listen(iface, ndp.LinkLocal)
	if err != nil {
		return nil, fmt.Errorf("effect: ndp listen on %s: %w", iface.Name, err)
	}
	a.ndpc[iface.Index] = c
	return c, nil
}

func (a *ArpNdpAnnouncer) announceARP(iface *net.Interface, addr netip.Addr) error {
	c, err := a.arpClient(iface)
	if err != nil {
		return err
	}
	ip := addr.As4()
	packet, err := arp.NewPacket(arp.OperationReply, iface.HardwareAddr, net.IP(ip[:]), broadcastMAC, net.IP(ip[:]))
	if err != nil {
		return fmt.Errorf("effect: build gratuitous arp: %w", err)
	}
	if err := c.WriteTo(packet, broadcastMAC); err != nil {
		return fmt.Errorf("effect: send gratuitous arp for %s: %w", addr, err)
	}
	return nil
}

func (a *ArpNdpAnnouncer) announceNDP(iface *net.Interface, addr netip.Addr) error {
	c, err := a.ndpConn(iface)
	if err != nil {
		return err
	}
	target := net.IP(addr.AsSlice())
	group, err := ndp.SolicitedNodeMulticast(target)
	if err != nil {
		return fmt.Errorf("effect: solicited-node multicast for %s: %w", addr, err)
	}
	msg := &ndp.NeighborAdvertisement{
		Override:      true,
		TargetAddress: target,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: iface.HardwareAddr},
		},
	}
	if err := c.WriteTo(msg, nil, group); err != nil {
		return fmt.Errorf("effect: send unsolicited na for %s: %w", addr, err)
	}
	return nil
}

// Close releases every dialed socket. Safe to call once at process
// shutdown.
func (a *ArpNdpAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, c := range a.arpc {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range a.ndpc {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
