package vrrp

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
	"github.com/nnesterov/vrrpd/internal/netlinkmgr"
)

// Engine ties the event loop, the shared-socket registry, and the set
// of configured instances together, generalizing the teacher's
// package-level "one VirtualRouter per process" model into the
// multi-instance daemon of spec.md §3/§6.
type Engine struct {
	lp      *loop.Loop
	sockets *socketRegistry

	prog   AddressProgrammer
	ann    Announcer
	filter FilterProgrammer

	mu        sync.Mutex
	instances map[string]*Instance // keyed by Name
	groups    map[string]*SyncGroup

	notifyScript string
}

// NewEngine wires an Engine to lp and the effectuation collaborators.
// filter may be nil (nftables programming is optional per spec.md
// §4.5).
func NewEngine(lp *loop.Loop, prog AddressProgrammer, ann Announcer, filter FilterProgrammer) *Engine {
	return &Engine{
		lp:        lp,
		sockets:   newSocketRegistry(lp),
		prog:      prog,
		ann:       ann,
		filter:    filter,
		instances: make(map[string]*Instance),
		groups:    make(map[string]*SyncGroup),
	}
}

// AttachNetlink subscribes to nl so a link transition on an instance's
// own interface drives that instance's OnInterfaceDown/OnInterfaceUp
// directly, independent of any tracker (spec.md §4.4/§8.2: the VIP is in
// the kernel iff the owning instance is MASTER *and* its interface is
// UP). Call once during setup, before or after instances are added —
// instances are matched by interface index on every event, not at
// subscribe time.
func (e *Engine) AttachNetlink(nl *netlinkmgr.Manager) {
	nl.Subscribe(e.onLinkEvent)
}

func (e *Engine) onLinkEvent(ev netlinkmgr.Event) {
	if ev.Kind != netlinkmgr.IfaceUp && ev.Kind != netlinkmgr.IfaceDown {
		return
	}
	for _, inst := range e.Instances() {
		iface := inst.Interface()
		if iface == nil || iface.Index != ev.IfIndex {
			continue
		}
		if ev.Kind == netlinkmgr.IfaceDown {
			inst.OnInterfaceDown()
		} else {
			inst.OnInterfaceUp()
		}
	}
}

// SetNotifyScript configures the script forked on every transition
// (spec.md §6 "Notify hooks"). Empty disables it.
func (e *Engine) SetNotifyScript(path string) {
	e.mu.Lock()
	e.notifyScript = path
	e.mu.Unlock()
}

func (e *Engine) notify(scope, name string, state State, priority byte) {
	e.mu.Lock()
	script := e.notifyScript
	e.mu.Unlock()
	if script == "" {
		return
	}
	cmd := exec.Command(script, scope, name, state.String(), fmt.Sprint(priority))
	if err := cmd.Start(); err != nil {
		logg.WithError(err).WithField("script", script).Warn("notify script failed to start")
		return
	}
	pid := cmd.Process.Pid
	// The loop's own SIGCHLD-driven reaper (internal/loop's reapChildren)
	// performs the actual wait4 and hands us the status here; calling
	// cmd.Wait() as well would race it for the same child and could see
	// ECHILD if the loop reaps first.
	e.lp.WatchChild(pid, func(_ int, ws syscall.WaitStatus) {
		if !ws.Exited() || ws.ExitStatus() != 0 {
			logg.WithField("script", script).WithField("status", ws.ExitStatus()).Warn("notify script exited non-zero")
		}
	})
}

// GroupNamed returns (creating if necessary) the named sync group.
func (e *Engine) GroupNamed(name string) *SyncGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[name]
	if !ok {
		g = NewSyncGroup(name)
		e.groups[name] = g
	}
	return g
}

// AddInstance builds and starts a new Instance from cfg. Must be called
// from the loop goroutine (or before Run, during startup).
func (e *Engine) AddInstance(cfg InstanceConfig, groupName string) (*Instance, error) {
	inst, err := NewInstance(cfg, e.lp, e.sockets, e.prog, e.ann, e.filter, e.notify)
	if err != nil {
		return nil, err
	}
	if groupName != "" {
		e.GroupNamed(groupName).Join(inst)
	}

	e.mu.Lock()
	if _, dup := e.instances[cfg.Name]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("vrrp: instance %q already exists", cfg.Name)
	}
	e.instances[cfg.Name] = inst
	e.mu.Unlock()

	if err := inst.Start(); err != nil {
		e.mu.Lock()
		delete(e.instances, cfg.Name)
		e.mu.Unlock()
		return nil, err
	}
	return inst, nil
}

// RemoveInstance stops and forgets the named instance.
func (e *Engine) RemoveInstance(name string) {
	e.mu.Lock()
	inst, ok := e.instances[name]
	if ok {
		delete(e.instances, name)
	}
	e.mu.Unlock()
	if ok {
		inst.Stop()
	}
}

// Instances returns a stable snapshot of every configured instance,
// sorted by name for deterministic dump output.
func (e *Engine) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	sortInstances(out)
	return out
}

func sortInstances(in []*Instance) {
	for i := 1; i < len(in); i++ {
		for j := i; j > 0 && in[j-1].Name() > in[j].Name(); j-- {
			in[j-1], in[j] = in[j], in[j-1]
		}
	}
}

// Reconcile implements spec.md §6's reload control surface: instances
// whose configuration changed are restarted (Stop then re-Start with
// the new config); unchanged ones retain their running state and FSM
// position untouched. Instances no longer present are removed.
func (e *Engine) Reconcile(next []InstanceConfig) error {
	seen := make(map[string]bool, len(next))
	for _, cfg := range next {
		seen[cfg.Name] = true
		e.mu.Lock()
		existing, ok := e.instances[cfg.Name]
		e.mu.Unlock()

		if ok && existing.configEqual(cfg) {
			continue
		}
		if ok {
			e.RemoveInstance(cfg.Name)
		}
		if _, err := e.AddInstance(cfg, ""); err != nil {
			return fmt.Errorf("vrrp: reconcile %q: %w", cfg.Name, err)
		}
	}

	for _, inst := range e.Instances() {
		if !seen[inst.Name()] {
			e.RemoveInstance(inst.Name())
		}
	}
	return nil
}

// Shutdown stops every instance, relinquishing MASTER and removing VIPs
// per spec.md §6 "Persisted state: None ... kernel-installed addresses
// are removed on clean shutdown."
func (e *Engine) Shutdown() {
	for _, inst := range e.Instances() {
		e.RemoveInstance(inst.Name())
	}
}

// WriteStats implements spec.md §6's stats dump: received/sent
// advertisements, master transitions, and every per-instance error
// counter, in the field order keepalived's vrrp_print.c uses.
func (e *Engine) WriteStats(w io.Writer) error {
	for _, inst := range e.Instances() {
		s := inst.Stats().Snapshot()
		_, err := fmt.Fprintf(w,
			"VRRP Instance: %s (vrid %d)\n"+
				"  Advertisements:\n"+
				"    Received: %d\n"+
				"    Sent: %d\n"+
				"  Became master: %d\n"+
				"  Released master: %d\n"+
				"  Packet errors:\n"+
				"    Length: %d\n"+
				"    TTL: %d\n"+
				"    Invalid type: %d\n"+
				"    Advertisement interval: %d\n"+
				"    Address list: %d\n"+
				"  Authentication errors:\n"+
				"    Invalid type: %d\n"+
				"    Type mismatch: %d\n"+
				"    Failure: %d\n"+
				"  Priority zero:\n"+
				"    Received: %d\n"+
				"    Sent: %d\n\n",
			inst.Name(), inst.VRID(),
			s.AdvertRcvd, s.AdvertSent,
			s.BecameMaster, s.ReleasedMaster,
			s.PacketLenErr, s.IPTTLErr, s.InvalidTypeRcvd, s.AdvertIntervalErr, s.AddrListErr,
			s.InvalidAuthType, s.AuthTypeMismatch, s.AuthFailure,
			s.PriZeroRcvd, s.PriZeroSent,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteState implements spec.md §6's state dump: every configured
// instance's current state, effective priority, and VIP list.
func (e *Engine) WriteState(w io.Writer) error {
	_, err := fmt.Fprintf(w, "VRRP state dump, %s\n\n", time.Now().Format(time.RFC3339))
	if err != nil {
		return err
	}
	for _, inst := range e.Instances() {
		_, err := fmt.Fprintf(w, "Instance %s: vrid %d, state %s, priority %d\n",
			inst.Name(), inst.VRID(), inst.GetState(), inst.GetPriority())
		if err != nil {
			return err
		}
		for _, v := range inst.GetVIPs() {
			_, err := fmt.Fprintf(w, "  VIP %s/%d\n", v.Addr, v.PrefixLen)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
