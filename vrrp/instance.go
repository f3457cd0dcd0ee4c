package vrrp

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
)

// AddressProgrammer effectuates VIP presence on an interface (spec.md
// §4.5 "VIP programming"). Implemented by internal/effect on top of
// vishvananda/netlink; Instance only depends on this interface so the
// FSM is testable without CAP_NET_ADMIN.
type AddressProgrammer interface {
	ProgramVIP(iface *net.Interface, family Family, v VIP) error
	RemoveVIP(iface *net.Interface, family Family, v VIP) error
}

// Announcer sends the gratuitous ARP (v4) or unsolicited NA (v6) that
// tells the local segment a VIP's link-layer mapping changed (spec.md
// §4.5).
type Announcer interface {
	Announce(iface *net.Interface, family Family, addr netip.Addr) error
}

// FilterProgrammer is the optional nftables blackhole layer (spec.md
// §4.5). A no-op implementation is valid: filter programming is
// explicitly optional.
type FilterProgrammer interface {
	EnterMaster(iface *net.Interface, family Family, vips []VIP) error
	LeaveMaster(iface *net.Interface, family Family, vips []VIP) error
}

// NotifyFunc is invoked on every transition into MASTER/BACKUP/FAULT/INIT
// with the arguments spec.md §6 specifies for notify hooks:
// <GROUP|INSTANCE> <name> <new_state> <priority>. Exit status, if the
// implementation forks a script, is ignored by the caller.
type NotifyFunc func(scope, name string, state State, priority byte)

// InstanceConfig is the validated, program-built configuration for one
// VRRP instance. Nothing in this package parses a config file — that
// stays an external collaborator per spec.md §1 Non-goals; callers
// build InstanceConfig values directly or via their own loader.
type InstanceConfig struct {
	Name              string
	VRID              byte
	Version           Version
	Family            Family
	Interface         *net.Interface
	PreferredSourceIP net.IP
	UnicastPeers      []net.IP

	BasePriority   byte
	AdvertInterval time.Duration
	Preempt        bool
	PreemptDelay   time.Duration
	AcceptMode     bool

	VIPs []VIP

	AuthType AuthType
	AuthData [8]byte

	AnnounceCount int
	AnnounceDelay time.Duration
}

// Validate enforces the boundary invariants of spec.md §8: vrid in
// [1,255], priority in [1,254] unless owner (255), v3 interval in
// [1,4095] centiseconds.
func (c InstanceConfig) Validate() error {
	if c.VRID < 1 {
		return fmt.Errorf("vrrp: vrid must be in [1,255], got %d", c.VRID)
	}
	if c.BasePriority == 0 {
		return fmt.Errorf("vrrp: priority 0 is reserved for relinquishing MASTER, not a configurable base priority")
	}
	if c.Version == V3 {
		cs := c.AdvertInterval / (10 * time.Millisecond)
		if cs < 1 || cs > 4095 {
			return fmt.Errorf("vrrp: v3 advert interval must be in [10ms,40.95s], got %v", c.AdvertInterval)
		}
	}
	if c.Interface == nil {
		return fmt.Errorf("vrrp: interface is required")
	}
	if c.Family != IPv4 && c.Family != IPv6 {
		return fmt.Errorf("vrrp: unsupported family %d", c.Family)
	}
	return nil
}

// Instance is the per-VRID VRRP state machine (spec.md §3 "Instance",
// §4.4 component D). All fields below this comment are only ever
// touched from the owning Engine's loop goroutine; State is the lone
// exception, read via atomic load from other goroutines through
// GetState.
type Instance struct {
	name    string
	vrid    byte
	version Version
	family  Family
	iface   *net.Interface
	srcIP   net.IP
	peers   []net.IP

	basePriority      byte
	effectivePriority byte
	owner             bool
	preempt           bool
	preemptDelay      time.Duration
	acceptMode        bool

	advertInterval         time.Duration // configured
	masterAdvertInterval   time.Duration // from the current MASTER's advertisements
	announceCount          int
	announceDelay          time.Duration

	authType AuthType
	authData [8]byte

	vips []VIP

	state     uint32 // atomic State
	mustFault bool   // set by a weight-0 tracker failure

	stats Stats

	syncGroup *SyncGroup

	lp       *loop.Loop
	sockets  *socketRegistry
	sock     *sharedSocket
	progAddr AddressProgrammer
	announce Announcer
	filter   FilterProgrammer
	notify   NotifyFunc

	advertTimer      loop.TimerID
	masterDownTimer  loop.TimerID
	preemptDelayTimer loop.TimerID
	haveAdvertTimer   bool
	haveMasterDownTimer bool
	havePreemptTimer    bool

	handlers map[Transition]func(*Instance)
}

// Transition enumerates the state changes a caller can subscribe to via
// AddEventListener, generalizing the teacher's `transition` enum with
// the FAULT state spec.md §4.4 adds.
type Transition int

const (
	Init2Master Transition = iota
	Init2Backup
	Backup2Master
	Master2Backup
	Backup2Fault
	Master2Fault
	Init2Fault
	Fault2Init
	AnyToInit // shutdown
)

func (t Transition) String() string {
	switch t {
	case Init2Master:
		return "init to master"
	case Init2Backup:
		return "init to backup"
	case Backup2Master:
		return "backup to master"
	case Master2Backup:
		return "master to backup"
	case Backup2Fault:
		return "backup to fault"
	case Master2Fault:
		return "master to fault"
	case Init2Fault:
		return "init to fault"
	case Fault2Init:
		return "fault to init"
	case AnyToInit:
		return "shutdown to init"
	default:
		return "unknown transition"
	}
}

// NewInstance constructs an Instance wired to the given Engine-owned
// collaborators. It does not start the FSM; call Start.
func NewInstance(cfg InstanceConfig, lp *loop.Loop, sockets *socketRegistry, prog AddressProgrammer, ann Announcer, filter FilterProgrammer, notify NotifyFunc) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	announceCount := cfg.AnnounceCount
	if announceCount <= 0 {
		announceCount = defaultAnnounceCount
	}
	announceDelay := cfg.AnnounceDelay
	if announceDelay <= 0 {
		announceDelay = defaultAnnounceDelay
	}
	advertInterval := cfg.AdvertInterval
	if advertInterval <= 0 {
		advertInterval = defaultInterval
	}

	inst := &Instance{
		name:                 cfg.Name,
		vrid:                 cfg.VRID,
		version:              cfg.Version,
		family:               cfg.Family,
		iface:                cfg.Interface,
		srcIP:                cfg.PreferredSourceIP,
		peers:                cfg.UnicastPeers,
		basePriority:         cfg.BasePriority,
		effectivePriority:    cfg.BasePriority,
		owner:                cfg.BasePriority == ownerPriority,
		preempt:              cfg.Preempt || cfg.BasePriority == ownerPriority,
		preemptDelay:         cfg.PreemptDelay,
		acceptMode:           cfg.AcceptMode,
		advertInterval:       advertInterval,
		masterAdvertInterval: advertInterval,
		announceCount:        announceCount,
		announceDelay:        announceDelay,
		authType:             cfg.AuthType,
		authData:             cfg.AuthData,
		vips:                 append([]VIP(nil), cfg.VIPs...),
		lp:                   lp,
		sockets:              sockets,
		progAddr:             prog,
		announce:             ann,
		filter:               filter,
		notify:               notify,
		handlers:             make(map[Transition]func(*Instance)),
	}
	atomic.StoreUint32(&inst.state, uint32(Init))
	return inst, nil
}

// AddEventListener registers handler for transition t, replacing any
// previously registered handler, mirroring the teacher's
// AddEventListener/Enroll pattern.
func (r *Instance) AddEventListener(t Transition, handler func(*Instance)) {
	r.handlers[t] = handler
}

func (r *Instance) fire(t Transition) {
	if h, ok := r.handlers[t]; ok && h != nil {
		h(r)
	}
	if r.notify != nil {
		scope, name := "INSTANCE", r.name
		if r.syncGroup != nil {
			scope, name = "GROUP", r.syncGroup.Name
		}
		r.notify(scope, name, r.GetState(), r.effectivePriority)
	}
}

// Name, VRID, GetState, GetPriority, Interface, GetVIPs are the public
// read accessors used by the stats/state dump control surfaces.
func (r *Instance) Name() string           { return r.name }
func (r *Instance) VRID() byte             { return r.vrid }
func (r *Instance) GetState() State        { return State(atomic.LoadUint32(&r.state)) }
func (r *Instance) GetPriority() byte      { return r.effectivePriority }
func (r *Instance) BasePriority() byte     { return r.basePriority }
func (r *Instance) Interface() *net.Interface { return r.iface }
func (r *Instance) Stats() *Stats          { return &r.stats }
func (r *Instance) GetVIPs() []VIP         { return append([]VIP(nil), r.vips...) }
func (r *Instance) setState(s State)       { atomic.StoreUint32(&r.state, uint32(s)) }

// AddVIP / RemoveVIP mutate the configured VIP list. Per spec.md §3,
// this only affects what gets programmed on the next MASTER transition;
// addresses already in the kernel are not reconciled.
func (r *Instance) AddVIP(v VIP) {
	r.vips = append(r.vips, v)
}

// configEqual reports whether cfg would produce an identical running
// instance, used by Engine.Reconcile to decide whether a reload can
// leave this instance's FSM state untouched (spec.md §6 "unchanged ones
// retain state").
func (r *Instance) configEqual(cfg InstanceConfig) bool {
	if r.vrid != cfg.VRID || r.version != cfg.Version || r.family != cfg.Family {
		return false
	}
	if r.iface == nil || cfg.Interface == nil || r.iface.Index != cfg.Interface.Index {
		return false
	}
	if r.basePriority != cfg.BasePriority || r.preempt != cfg.Preempt || r.preemptDelay != cfg.PreemptDelay {
		return false
	}
	if r.acceptMode != cfg.AcceptMode || r.advertInterval != cfg.AdvertInterval {
		return false
	}
	if r.authType != cfg.AuthType || r.authData != cfg.AuthData {
		return false
	}
	if len(r.vips) != len(cfg.VIPs) {
		return false
	}
	for i, v := range r.vips {
		if v != cfg.VIPs[i] {
			return false
		}
	}
	return true
}

func (r *Instance) RemoveVIP(addr netip.Addr) {
	out := r.vips[:0]
	for _, v := range r.vips {
		if v.Addr != addr {
			out = append(out, v)
		}
	}
	r.vips = out
}
