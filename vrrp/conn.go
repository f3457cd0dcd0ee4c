package vrrp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Conn is the VRRP socket layer contract (spec.md §4.3 component C):
// send/receive VRRP advertisements on one (interface, family) pair, over
// multicast or a configured unicast peer set. Implementations hand back
// the IP-layer metadata (source, TTL/hop-limit) the receive-side
// validation pipeline needs.
type Conn interface {
	// WriteTo sends payload to dst (the multicast group, or a single
	// configured unicast peer).
	WriteTo(payload []byte, dst net.IP) error
	// ReadFrom blocks until a datagram arrives, or the connection is
	// closed. ttl is the IP TTL (v4) or hop limit (v6) the kernel
	// reported via ancillary data.
	ReadFrom(buf []byte) (n int, src net.IP, dst net.IP, ttl int, err error)
	Close() error
}

// unicastOnly reports whether peers is non-empty: spec.md §4.3 "unicast
// filtering if unicast peers are configured" instead of multicast join.
func unicastOnly(peers []net.IP) bool { return len(peers) > 0 }

// ipv4Conn is the IPv4 VRRP socket, descended from the teacher's
// IPv4VRRPMsgCon, generalized with unicast-peer support.
type ipv4Conn struct {
	itf      *net.Interface
	pc       *ipv4.PacketConn
	raw      *net.IPConn
	group    net.IP
	peers    map[string]bool
	unicast  bool
}

// NewIPv4Conn opens a raw IPv4 VRRP socket (protocol 112) on itf. When
// peers is empty it joins the VRRP multicast group; otherwise it only
// accepts datagrams from the configured unicast peer set.
func NewIPv4Conn(itf *net.Interface, src net.IP, peers []net.IP) (Conn, error) {
	conn, err := net.ListenIP("ip4:112", &net.IPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("vrrp: ipv4 listen on %s: %w", itf.Name, err)
	}
	pc := ipv4.NewPacketConn(conn)

	c := &ipv4Conn{itf: itf, pc: pc, raw: conn, group: MulticastAddrIPv4, peers: peerSet(peers), unicast: unicastOnly(peers)}
	if !unicastOnly(peers) {
		group := &net.IPAddr{IP: MulticastAddrIPv4}
		_ = pc.LeaveGroup(itf, group)
		if err := pc.JoinGroup(itf, group); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("vrrp: ipv4 join multicast on %s: %w", itf.Name, err)
		}
	}
	_ = pc.SetMulticastTTL(multicastTTL)
	_ = pc.SetMulticastInterface(itf)
	_ = pc.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst|ipv4.FlagInterface, true)
	_ = conn.SetReadBuffer(2048)
	_ = conn.SetWriteBuffer(2048)
	return c, nil
}

func peerSet(peers []net.IP) map[string]bool {
	if len(peers) == 0 {
		return nil
	}
	m := make(map[string]bool, len(peers))
	for _, p := range peers {
		m[p.String()] = true
	}
	return m
}

func (c *ipv4Conn) WriteTo(payload []byte, dst net.IP) error {
	target := dst
	if target == nil {
		target = c.group
	}
	if _, err := c.pc.WriteTo(payload, nil, &net.IPAddr{IP: target}); err != nil {
		return fmt.Errorf("vrrp: ipv4 write: %w", err)
	}
	return nil
}

func (c *ipv4Conn) ReadFrom(buf []byte) (int, net.IP, net.IP, int, error) {
	n, cm, _, err := c.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, 0, fmt.Errorf("vrrp: ipv4 read: %w", err)
	}
	if c.peers != nil && !c.peers[cm.Src.String()] {
		return 0, nil, nil, 0, fmt.Errorf("vrrp: ipv4 datagram from non-peer %s dropped", cm.Src)
	}
	return n, cm.Src, cm.Dst, cm.TTL, nil
}

func (c *ipv4Conn) Close() error {
	if c.pc != nil {
		if !c.unicast {
			_ = c.pc.LeaveGroup(c.itf, &net.IPAddr{IP: c.group})
		}
		return c.pc.Close()
	}
	return nil
}

// ipv6Conn is the IPv6 VRRP socket, descended from the teacher's
// IPv6VRRPMsgCon.
type ipv6Conn struct {
	itf     *net.Interface
	pc      *ipv6.PacketConn
	raw     *net.IPConn
	group   net.IP
	peers   map[string]bool
	unicast bool
}

// NewIPv6Conn opens a raw IPv6 VRRP socket (next header 112) on itf.
func NewIPv6Conn(itf *net.Interface, src net.IP, peers []net.IP) (Conn, error) {
	conn, err := net.ListenIP("ip6:112", &net.IPAddr{})
	if err != nil {
		return nil, fmt.Errorf("vrrp: ipv6 listen on %s: %w", itf.Name, err)
	}
	pc := ipv6.NewPacketConn(conn)

	c := &ipv6Conn{itf: itf, pc: pc, raw: conn, group: MulticastAddrIPv6, peers: peerSet(peers), unicast: unicastOnly(peers)}
	if !unicastOnly(peers) {
		group := &net.IPAddr{IP: MulticastAddrIPv6}
		_ = pc.LeaveGroup(itf, group)
		if err := pc.JoinGroup(itf, group); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("vrrp: ipv6 join multicast on %s: %w", itf.Name, err)
		}
	}
	_ = pc.SetMulticastHopLimit(multicastTTL)
	_ = pc.SetMulticastInterface(itf)
	_ = pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagSrc|ipv6.FlagDst|ipv6.FlagInterface, true)
	_ = conn.SetReadBuffer(2048)
	_ = conn.SetWriteBuffer(2048)
	return c, nil
}

func (c *ipv6Conn) WriteTo(payload []byte, dst net.IP) error {
	target := dst
	if target == nil {
		target = c.group
	}
	if _, err := c.pc.WriteTo(payload, nil, &net.IPAddr{IP: target}); err != nil {
		return fmt.Errorf("vrrp: ipv6 write: %w", err)
	}
	return nil
}

func (c *ipv6Conn) ReadFrom(buf []byte) (int, net.IP, net.IP, int, error) {
	n, cm, _, err := c.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, 0, fmt.Errorf("vrrp: ipv6 read: %w", err)
	}
	if c.peers != nil && !c.peers[cm.Src.String()] {
		return 0, nil, nil, 0, fmt.Errorf("vrrp: ipv6 datagram from non-peer %s dropped", cm.Src)
	}
	return n, cm.Src, cm.Dst, cm.HopLimit, nil
}

func (c *ipv6Conn) Close() error {
	if c.pc != nil {
		if !c.unicast {
			_ = c.pc.LeaveGroup(c.itf, &net.IPAddr{IP: c.group})
		}
		return c.pc.Close()
	}
	return nil
}
