package vrrp

import (
	"net"
	"sync"

	"github.com/nnesterov/vrrpd/internal/loop"
)

// socketKey identifies a shared VRRP socket: one per (interface, family)
// pair, per spec.md §3 ("Sockets are reference-counted across instances
// that share them on one interface") and §5.
type socketKey struct {
	ifIndex int
	family  Family
}

// sharedSocket owns the actual Conn and demultiplexes inbound
// advertisements to the Instance registered for their VRID. The
// instance-independent parts of spec.md §4.3's validation pipeline (TTL,
// version/type, checksum) run here, before handing the packet to the
// owning Instance for the instance-specific checks (auth, interval,
// address list).
type sharedSocket struct {
	key   socketKey
	conn  Conn
	itf   *net.Interface

	mu        sync.Mutex
	refs      int
	instances map[byte]*Instance

	quit chan struct{}
}

// socketRegistry is the process-wide (well, Engine-wide) table of shared
// sockets, generalizing the teacher's one-socket-per-VirtualRouter model
// to the spec's "shared across instances on one interface" requirement.
type socketRegistry struct {
	lp *loop.Loop

	// newConn builds the Conn for a new (interface, family) pair. Tests
	// substitute a fake here so the FSM can be exercised without
	// CAP_NET_ADMIN or a real interface; production code leaves it nil
	// and falls back to NewIPv4Conn/NewIPv6Conn.
	newConn func(itf *net.Interface, family Family, src net.IP, peers []net.IP) (Conn, error)

	mu      sync.Mutex
	sockets map[socketKey]*sharedSocket
}

func newSocketRegistry(lp *loop.Loop) *socketRegistry {
	return &socketRegistry{lp: lp, sockets: make(map[socketKey]*sharedSocket)}
}

// open returns the shared socket for (itf, family), creating and joining
// the multicast group (or configuring unicast peers) on first use.
func (r *socketRegistry) open(itf *net.Interface, family Family, src net.IP, peers []net.IP) (*sharedSocket, error) {
	key := socketKey{ifIndex: itf.Index, family: family}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sockets[key]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s, nil
	}

	var conn Conn
	var err error
	switch {
	case r.newConn != nil:
		conn, err = r.newConn(itf, family, src, peers)
	case family == IPv4:
		conn, err = NewIPv4Conn(itf, src, peers)
	default:
		conn, err = NewIPv6Conn(itf, src, peers)
	}
	if err != nil {
		return nil, err
	}

	s := &sharedSocket{
		key:       key,
		conn:      conn,
		itf:       itf,
		refs:      1,
		instances: make(map[byte]*Instance),
		quit:      make(chan struct{}),
	}
	r.sockets[key] = s
	go s.readLoop(r.lp)
	return s, nil
}

// register binds vrid on this socket to inst, so inbound advertisements
// for that VRID are routed to it.
func (s *sharedSocket) register(vrid byte, inst *Instance) {
	s.mu.Lock()
	s.instances[vrid] = inst
	s.mu.Unlock()
}

func (s *sharedSocket) unregister(vrid byte) {
	s.mu.Lock()
	delete(s.instances, vrid)
	s.mu.Unlock()
}

// release drops a reference; the last release closes the underlying
// Conn and stops its reader goroutine.
func (r *socketRegistry) release(s *sharedSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	s.refs--
	done := s.refs <= 0
	s.mu.Unlock()
	if done {
		close(s.quit)
		_ = s.conn.Close()
		delete(r.sockets, s.key)
	}
}

func (s *sharedSocket) send(payload []byte, dst net.IP) error {
	return s.conn.WriteTo(payload, dst)
}

// readLoop is the one blocking reader per shared socket. Each inbound
// datagram undergoes the instance-independent half of spec.md §4.3's
// validation pipeline, then is marshaled onto the event loop goroutine
// (via Post) so the per-instance FSM work in §4.4/§5 stays
// single-threaded.
func (s *sharedSocket) readLoop(lp *loop.Loop) {
	buf := make([]byte, 4096)
	family := s.key.family
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		n, src, dst, ttl, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			logg.WithError(err).Debug("vrrp socket read error")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		s.mu.Lock()
		instances := make(map[byte]*Instance, len(s.instances))
		for k, v := range s.instances {
			instances[k] = v
		}
		s.mu.Unlock()

		lp.Post(func() {
			s.deliver(family, raw, src, dst, ttl, instances)
		})
	}
}

// deliver runs on the loop goroutine: VRID lookup, TTL check, decode,
// version check, checksum validation, then dispatch to the instance.
func (s *sharedSocket) deliver(family Family, raw []byte, src, dst net.IP, ttl int, instances map[byte]*Instance) {
	if len(raw) < 2 {
		return
	}
	vrid := raw[1]
	inst, ok := instances[vrid]
	if !ok {
		// spec.md §4.3 item 5: VRID matches no configured instance, drop silently.
		return
	}

	if ttl != multicastTTL {
		inst.stats.IncrIPTTLErr()
		logg.WithFields(loggerFields(inst)).Warn("vrrp advertisement with non-255 TTL dropped")
		return
	}

	pkt, err := Decode(family, raw)
	if err != nil {
		inst.stats.IncrPacketLenErr()
		logg.WithFields(loggerFields(inst)).WithError(err).Debug("vrrp advertisement decode failed")
		return
	}
	if pkt.Version != inst.version {
		inst.stats.IncrInvalidTypeRcvd()
		return
	}

	pshdr := PseudoHeader{Saddr: src, Daddr: dst, Protocol: vrrpIPProtocolNumber}
	if !pkt.ValidateChecksum(family, pshdr, raw) {
		inst.stats.IncrPacketLenErr()
		logg.WithFields(loggerFields(inst)).Warn("vrrp advertisement checksum invalid")
		return
	}

	inst.onAdvertisement(pkt, src)
}

func loggerFields(inst *Instance) map[string]any {
	return map[string]any{"vrid": inst.vrid, "iface": inst.iface.Name}
}
