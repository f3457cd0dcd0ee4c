package vrrp

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
)

// medium is an in-memory multicast segment: every fakeConn on it
// receives every other fakeConn's writes, standing in for the
// broadcast/multicast semantics of a real VRRP link without needing
// CAP_NET_ADMIN or a real interface, per the testability goal of
// vrrp.Conn.
type medium struct {
	mu   sync.Mutex
	subs []*fakeConn
}

func newMedium() *medium { return &medium{} }

func (m *medium) join(c *fakeConn) {
	m.mu.Lock()
	m.subs = append(m.subs, c)
	m.mu.Unlock()
}

func (m *medium) leave(c *fakeConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == c {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

type datagram struct {
	payload []byte
	src     net.IP
	dst     net.IP
	ttl     int
}

type fakeConn struct {
	m      *medium
	selfIP net.IP
	ttl    int
	inbox  chan datagram
	closed chan struct{}
}

func newFakeConn(m *medium, selfIP net.IP) *fakeConn {
	c := &fakeConn{m: m, selfIP: selfIP, ttl: multicastTTL, inbox: make(chan datagram, 16), closed: make(chan struct{})}
	m.join(c)
	return c
}

func (c *fakeConn) WriteTo(payload []byte, dst net.IP) error {
	c.m.mu.Lock()
	subs := append([]*fakeConn(nil), c.m.subs...)
	c.m.mu.Unlock()
	cp := append([]byte(nil), payload...)
	for _, s := range subs {
		if s == c {
			continue
		}
		select {
		case s.inbox <- datagram{payload: cp, src: c.selfIP, dst: MulticastAddrIPv4, ttl: c.ttl}:
		default:
		}
	}
	return nil
}

func (c *fakeConn) ReadFrom(buf []byte) (int, net.IP, net.IP, int, error) {
	select {
	case d := <-c.inbox:
		n := copy(buf, d.payload)
		return n, d.src, d.dst, d.ttl, nil
	case <-c.closed:
		return 0, nil, nil, 0, fmt.Errorf("fakeConn closed")
	}
}

func (c *fakeConn) Close() error {
	c.m.leave(c)
	close(c.closed)
	return nil
}

type fakeAddressProgrammer struct {
	mu      sync.Mutex
	present map[string]bool
}

func newFakeAddressProgrammer() *fakeAddressProgrammer {
	return &fakeAddressProgrammer{present: make(map[string]bool)}
}

func (f *fakeAddressProgrammer) ProgramVIP(iface *net.Interface, family Family, v VIP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[v.Addr.String()] = true
	return nil
}

func (f *fakeAddressProgrammer) RemoveVIP(iface *net.Interface, family Family, v VIP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.present, v.Addr.String())
	return nil
}

func (f *fakeAddressProgrammer) has(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[addr]
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	count int
}

func (f *fakeAnnouncer) Announce(iface *net.Interface, family Family, addr netip.Addr) error {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	return nil
}

func testInterface(name string, index int) *net.Interface {
	return &net.Interface{Name: name, Index: index, HardwareAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, byte(index)}}
}

// newTestLoop starts a Loop in the background and returns a stop func.
func newTestLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	lp, err := loop.New(logg)
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	go lp.Run()
	return lp, func() {
		lp.Stop()
		lp.Wait()
	}
}

func newTestInstance(t *testing.T, lp *loop.Loop, m *medium, name string, ifIndex int, selfIP net.IP, priority byte, vips []VIP, prog AddressProgrammer, ann Announcer) *Instance {
	t.Helper()
	reg := newSocketRegistry(lp)
	reg.newConn = func(itf *net.Interface, family Family, src net.IP, peers []net.IP) (Conn, error) {
		return newFakeConn(m, selfIP), nil
	}
	cfg := InstanceConfig{
		Name:           name,
		VRID:           51,
		Version:        V3,
		Family:         IPv4,
		Interface:      testInterface(name, ifIndex),
		PreferredSourceIP: selfIP,
		BasePriority:   priority,
		AdvertInterval: 30 * time.Millisecond,
		Preempt:        true,
		VIPs:           vips,
	}
	inst, err := NewInstance(cfg, lp, reg, prog, ann, nil, nil)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	return inst
}

func waitForState(t *testing.T, inst *Instance, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if inst.GetState() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("instance %s: expected state %s, got %s", inst.Name(), want, inst.GetState())
}

func vip(addr string) VIP {
	a := netip.MustParseAddr(addr)
	return VIP{Addr: a, PrefixLen: 32}
}

// TestTwoNodeElection covers spec.md §8 scenario S1: the higher-priority
// instance becomes MASTER, the lower-priority one settles into BACKUP
// and programs no VIPs.
func TestTwoNodeElection(t *testing.T) {
	lp, stop := newTestLoop(t)
	defer stop()

	m := newMedium()
	progHi := newFakeAddressProgrammer()
	progLo := newFakeAddressProgrammer()
	annHi := &fakeAnnouncer{}
	annLo := &fakeAnnouncer{}

	var hi, lo *Instance
	done := make(chan struct{})
	lp.Post(func() {
		hi = newTestInstance(t, lp, m, "hi", 1, net.ParseIP("10.0.0.2"), 200, []VIP{vip("10.0.0.100")}, progHi, annHi)
		lo = newTestInstance(t, lp, m, "lo", 2, net.ParseIP("10.0.0.3"), 100, []VIP{vip("10.0.0.100")}, progLo, annLo)
		if err := hi.Start(); err != nil {
			t.Errorf("hi.Start: %v", err)
		}
		if err := lo.Start(); err != nil {
			t.Errorf("lo.Start: %v", err)
		}
		close(done)
	})
	<-done

	waitForState(t, hi, Master, 2*time.Second)
	waitForState(t, lo, Backup, 2*time.Second)

	if !progHi.has("10.0.0.100") {
		t.Error("expected hi to have programmed its VIP")
	}
	if progLo.has("10.0.0.100") {
		t.Error("lo (BACKUP) should not have programmed the VIP")
	}
}

// TestPriorityTieBreak covers spec.md §8 scenario S2: equal priority is
// resolved by the lexicographically greater primary IP.
func TestPriorityTieBreak(t *testing.T) {
	lp, stop := newTestLoop(t)
	defer stop()

	m := newMedium()
	progA := newFakeAddressProgrammer()
	progB := newFakeAddressProgrammer()
	ann := &fakeAnnouncer{}

	var a, b *Instance
	done := make(chan struct{})
	lp.Post(func() {
		a = newTestInstance(t, lp, m, "a", 1, net.ParseIP("10.0.0.5"), 150, []VIP{vip("10.0.0.100")}, progA, ann)
		b = newTestInstance(t, lp, m, "b", 2, net.ParseIP("10.0.0.9"), 150, []VIP{vip("10.0.0.100")}, progB, ann)
		_ = a.Start()
		_ = b.Start()
		close(done)
	})
	<-done

	// b has the greater IP and must win the election.
	waitForState(t, b, Master, 2*time.Second)
	waitForState(t, a, Backup, 2*time.Second)
}

// TestTTLRejection covers spec.md §8 invariant 3: a non-255 TTL
// advertisement increments ip_ttl_err and never changes state.
func TestTTLRejection(t *testing.T) {
	lp, stop := newTestLoop(t)
	defer stop()

	m := newMedium()
	prog := newFakeAddressProgrammer()
	ann := &fakeAnnouncer{}

	var victim *Instance
	done := make(chan struct{})
	lp.Post(func() {
		victim = newTestInstance(t, lp, m, "victim", 1, net.ParseIP("10.0.0.2"), 100, nil, prog, ann)
		_ = victim.Start()
		close(done)
	})
	<-done
	waitForState(t, victim, Backup, 1*time.Second)

	attacker := newFakeConn(m, net.ParseIP("10.0.0.66"))
	attacker.ttl = 64
	p := &Packet{Version: V3, VRID: 51, Priority: 255, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.100")}}
	raw, err := p.Encode(IPv4, PseudoHeader{Saddr: net.ParseIP("10.0.0.66"), Daddr: MulticastAddrIPv4, Protocol: vrrpIPProtocolNumber})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := attacker.WriteTo(raw, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if victim.GetState() != Backup {
		t.Fatalf("victim state changed on a spoofed low-TTL packet: %s", victim.GetState())
	}
	if victim.Stats().Snapshot().IPTTLErr == 0 {
		t.Fatal("expected ip_ttl_err to be counted")
	}
}

// TestSyncGroupFaultPropagation covers spec.md §8 invariant 4: any
// member FAULT forces every member to FAULT.
func TestSyncGroupFaultPropagation(t *testing.T) {
	lp, stop := newTestLoop(t)
	defer stop()

	m := newMedium()
	prog1 := newFakeAddressProgrammer()
	prog2 := newFakeAddressProgrammer()
	ann := &fakeAnnouncer{}

	var i1, i2 *Instance
	done := make(chan struct{})
	lp.Post(func() {
		i1 = newTestInstance(t, lp, m, "grp1", 1, net.ParseIP("10.0.1.2"), 150, []VIP{vip("10.0.1.100")}, prog1, ann)
		i2 = newTestInstance(t, lp, m, "grp2", 2, net.ParseIP("10.0.1.3"), 100, []VIP{vip("10.0.1.100")}, prog2, ann)
		group := NewSyncGroup("demo")
		group.Join(i1)
		group.Join(i2)
		_ = i1.Start()
		_ = i2.Start()
		close(done)
	})
	<-done

	waitForState(t, i1, Master, 2*time.Second)
	waitForState(t, i2, Backup, 2*time.Second)

	faultDone := make(chan struct{})
	lp.Post(func() {
		i2.forceFault()
		close(faultDone)
	})
	<-faultDone

	waitForState(t, i1, Fault, 1*time.Second)
	waitForState(t, i2, Fault, 1*time.Second)
}
