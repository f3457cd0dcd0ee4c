package vrrp

import (
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// Start opens the shared VRRP socket for this instance's (interface,
// family), registers for its VRID, and enters INIT → BACKUP/MASTER per
// spec.md §4.4's transition diagram. All further work happens on the
// loop goroutine; Start itself must be called from the loop goroutine
// (typically from Engine.AddInstance).
func (r *Instance) Start() error {
	sock, err := r.sockets.open(r.iface, r.family, r.srcIP, r.peers)
	if err != nil {
		return err
	}
	r.sock = sock
	sock.register(r.vrid, r)

	if r.owner {
		r.logEntry().Info("instance is the address owner, entering MASTER directly")
		r.enterMaster()
		r.fire(Init2Master)
		return nil
	}

	if r.mustFault {
		r.enterFault()
		r.fire(Init2Fault)
		return nil
	}

	r.enterBackup(r.advertInterval)
	r.fire(Init2Backup)
	return nil
}

// Stop relinquishes MASTER (if held) with a priority-0 advertisement,
// removes VIPs, cancels all timers, and unregisters from the shared
// socket, per spec.md §4.4 "leaving MASTER" actions.
func (r *Instance) Stop() {
	switch r.GetState() {
	case Master:
		r.sendPriorityZero()
		r.removeAllVIPs()
	case Backup:
		r.cancelMasterDownTimer()
	case Fault:
	}
	r.cancelAdvertTimer()
	r.cancelPreemptDelayTimer()
	if r.sock != nil {
		r.sock.unregister(r.vrid)
		r.sockets.release(r.sock)
	}
	r.setState(Init)
	r.fire(AnyToInit)
}

func (r *Instance) logEntry() *logrus.Entry {
	return logg.WithFields(logrus.Fields{"vrid": r.vrid, "iface": r.iface.Name, "name": r.name})
}

// ---- timers ----

func (r *Instance) armAdvertTimer() {
	r.cancelAdvertTimer()
	r.advertTimer = r.lp.TickerFunc(r.advertInterval, func(time.Time) { r.onAdvertTimer() })
	r.haveAdvertTimer = true
}

func (r *Instance) cancelAdvertTimer() {
	if r.haveAdvertTimer {
		r.lp.CancelTimer(r.advertTimer)
		r.haveAdvertTimer = false
	}
}

// skewTime implements RFC 5798's Skew_Time = ((256 - priority) *
// Master_Adver_Interval) / 256.
func (r *Instance) skewTime() time.Duration {
	return time.Duration(int64(r.masterAdvertInterval) * int64(256-int(r.effectivePriority)) / 256)
}

// masterDownInterval implements Master_Down_Interval = 3 *
// Master_Adver_Interval + Skew_Time.
func (r *Instance) masterDownInterval() time.Duration {
	return 3*r.masterAdvertInterval + r.skewTime()
}

func (r *Instance) armMasterDownTimer(d time.Duration) {
	r.cancelMasterDownTimer()
	r.masterDownTimer = r.lp.AfterFunc(d, func(time.Time) { r.onMasterDownTimer() })
	r.haveMasterDownTimer = true
}

func (r *Instance) cancelMasterDownTimer() {
	if r.haveMasterDownTimer {
		r.lp.CancelTimer(r.masterDownTimer)
		r.haveMasterDownTimer = false
	}
}

func (r *Instance) armPreemptDelayTimer() {
	r.cancelPreemptDelayTimer()
	r.preemptDelayTimer = r.lp.AfterFunc(r.preemptDelay, func(time.Time) { r.onPreemptDelayExpired() })
	r.havePreemptTimer = true
}

func (r *Instance) cancelPreemptDelayTimer() {
	if r.havePreemptTimer {
		r.lp.CancelTimer(r.preemptDelayTimer)
		r.havePreemptTimer = false
	}
}

// ---- state entry/exit actions (spec.md §4.4) ----

func (r *Instance) enterBackup(masterInterval time.Duration) {
	r.masterAdvertInterval = masterInterval
	r.setState(Backup)
	r.armMasterDownTimer(r.masterDownInterval())
}

// enterMaster performs the entry actions for MASTER: program VIPs (and
// the nftables filter, if any), send an immediate advertisement,
// announce (gratuitous ARP/NA) and start the advert timer. The notify
// hook is run by the caller's fire().
func (r *Instance) enterMaster() {
	r.setState(Master)
	r.programAllVIPs()
	if r.filter != nil {
		if err := r.filter.EnterMaster(r.iface, r.family, r.vips); err != nil {
			r.logEntry().WithError(err).Warn("nftables enter-master programming failed")
		}
	}
	r.sendAdvertisement()
	r.announceAll(0)
	r.armAdvertTimer()
	r.stats.IncrBecameMaster()
}

// announceAll sends announceCount gratuitous ARPs/NAs for every VIP,
// spaced announceDelay apart, starting at round `round` (used for the
// self-rescheduling chain below).
func (r *Instance) announceAll(round int) {
	for _, v := range r.vips {
		if err := r.announce.Announce(r.iface, r.family, v.Addr); err != nil {
			r.logEntry().WithError(err).Warn("announce failed")
		}
	}
	if round+1 < r.announceCount {
		r.lp.AfterFunc(r.announceDelay, func(time.Time) {
			if r.GetState() == Master {
				r.announceAll(round + 1)
			}
		})
	}
}

// leaveMaster performs the "leaving MASTER" actions of spec.md §4.4: a
// priority-0 advertisement (unless going to FAULT with the interface
// down), VIP removal, and timer bookkeeping for the destination state.
func (r *Instance) leaveMaster(to State, sendPriorityZero bool) {
	r.cancelAdvertTimer()
	if sendPriorityZero {
		r.sendPriorityZero()
	}
	r.removeAllVIPs()
	if r.filter != nil {
		if err := r.filter.LeaveMaster(r.iface, r.family, r.vips); err != nil {
			r.logEntry().WithError(err).Warn("nftables leave-master programming failed")
		}
	}
	r.stats.IncrReleasedMaster()

	switch to {
	case Backup:
		r.enterBackup(r.masterAdvertInterval)
	case Fault:
		r.enterFault()
	case Init:
		r.setState(Init)
	}
}

func (r *Instance) enterFault() {
	r.cancelAdvertTimer()
	r.cancelMasterDownTimer()
	r.setState(Fault)
}

// leaveFault re-enters INIT's entry logic once the tracker/interface
// condition that forced FAULT clears.
func (r *Instance) leaveFault() {
	if r.owner {
		r.enterMaster()
		r.fire(Init2Master)
		return
	}
	r.enterBackup(r.advertInterval)
	r.fire(Fault2Init)
}

func (r *Instance) sendPriorityZero() {
	saved := r.effectivePriority
	r.effectivePriority = 0
	r.sendAdvertisement()
	r.stats.IncrPriZeroSent()
	r.effectivePriority = saved
}

func (r *Instance) programAllVIPs() {
	for _, v := range r.vips {
		if err := r.progAddr.ProgramVIP(r.iface, r.family, v); err != nil {
			r.logEntry().WithError(err).Warn("VIP programming failed")
			if !v.DontTrack {
				r.forceFault()
				return
			}
		}
	}
}

func (r *Instance) removeAllVIPs() {
	for _, v := range r.vips {
		if err := r.progAddr.RemoveVIP(r.iface, r.family, v); err != nil {
			r.logEntry().WithError(err).Warn("VIP removal failed")
		}
	}
}

// forceFault is the effectuation-error escalation path of spec.md §4.4
// "Failure semantics": a netlink program error for a dont_track==false
// VIP drops the instance straight to FAULT.
func (r *Instance) forceFault() {
	switch r.GetState() {
	case Master:
		r.leaveMaster(Fault, true)
		r.fire(Master2Fault)
	case Backup:
		r.enterFault()
		r.fire(Backup2Fault)
	case Init:
		r.enterFault()
		r.fire(Init2Fault)
	}
	if r.syncGroup != nil {
		r.syncGroup.onMemberFault(r)
	}
}

// ---- advertisement send/receive ----

func (r *Instance) assemblePacket() *Packet {
	p := &Packet{
		Version:   r.version,
		VRID:      r.vrid,
		Priority:  r.effectivePriority,
		AuthType:  r.authType,
		AuthData:  r.authData,
	}
	if r.version == V2 {
		p.AdvertInt = uint16(r.advertInterval / time.Second)
		if p.AdvertInt == 0 {
			p.AdvertInt = 1
		}
	} else {
		p.AdvertInt = uint16(r.advertInterval / (10 * time.Millisecond))
	}
	for _, v := range r.vips {
		p.Addrs = append(p.Addrs, v.Addr)
	}
	return p
}

func (r *Instance) pseudoHeader() PseudoHeader {
	group := net.IP(MulticastAddrIPv4)
	if r.family == IPv6 {
		group = MulticastAddrIPv6
	}
	return PseudoHeader{Saddr: r.srcIP, Daddr: group, Protocol: vrrpIPProtocolNumber}
}

func (r *Instance) sendAdvertisement() {
	p := r.assemblePacket()
	raw, err := p.Encode(r.family, r.pseudoHeader())
	if err != nil {
		r.logEntry().WithError(err).Error("failed to encode advertisement")
		return
	}
	var dst net.IP
	if len(r.peers) == 1 {
		dst = r.peers[0]
	}
	if err := r.sock.send(raw, dst); err != nil {
		r.logEntry().WithError(err).Error("failed to send advertisement")
		return
	}
	r.stats.IncrAdvertSent()
}

func (r *Instance) onAdvertTimer() {
	if r.GetState() == Master {
		r.sendAdvertisement()
	}
}

// onAdvertisement implements the election rules of spec.md §4.4, called
// from the loop goroutine after socket-layer validation (TTL, version,
// checksum) already passed; the instance-specific validations (auth,
// advert interval, address list) happen here.
func (r *Instance) onAdvertisement(p *Packet, src net.IP) {
	r.stats.IncrAdvertRcvd()

	if r.version == V2 {
		if p.AuthType != r.authType {
			r.stats.IncrAuthTypeMismatch()
			return
		}
		if r.authType == AuthSimple && p.AuthData != r.authData {
			r.stats.IncrAuthFailure()
			return
		}
		if r.authType == AuthAH {
			// spec.md §3: IPSec-AH (type 2) is parsed but never supported.
			r.stats.IncrInvalidAuthType()
			return
		}
	}

	localInterval := r.wireAdvertInterval()
	if p.AdvertInt != localInterval {
		r.stats.IncrAdvertIntervalErr()
		if r.version == V2 {
			return
		}
		// v3: logged (counted) but still processed, per spec.md §4.3 item 8.
	}

	if !SameAddrSet(p.AddrSet(), r.localAddrSet()) {
		r.stats.IncrAddrListErr()
		if r.version == V2 {
			return
		}
	}

	if p.Priority == 0 {
		r.stats.IncrPriZeroRcvd()
	}

	switch r.GetState() {
	case Master:
		r.onAdvertAsMaster(p, src)
	case Backup:
		r.onAdvertAsBackup(p, src)
	case Init, Fault:
		// Advertisements are ignored while not participating.
	}
}

func (r *Instance) wireAdvertInterval() uint16 {
	if r.version == V2 {
		cs := uint16(r.advertInterval / time.Second)
		if cs == 0 {
			cs = 1
		}
		return cs
	}
	return uint16(r.advertInterval / (10 * time.Millisecond))
}

func (r *Instance) localAddrSet() map[netip.Addr]struct{} {
	s := make(map[netip.Addr]struct{}, len(r.vips))
	for _, v := range r.vips {
		s[v.Addr] = struct{}{}
	}
	return s
}

// srcIPAddr returns the instance's own advertised address for the
// tie-break comparison. Falls back to the zero value if unset.
func (r *Instance) srcIPAddr() net.IP { return r.srcIP }

// peerWins implements the spec's tie-break: greater priority wins, or
// equal priority and a lexicographically greater primary IP wins.
func peerWins(peerPriority, selfPriority byte, peerIP, selfIP net.IP) bool {
	if peerPriority > selfPriority {
		return true
	}
	if peerPriority == selfPriority && bytesGreater(peerIP, selfIP) {
		return true
	}
	return false
}

func bytesGreater(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 != nil && b4 != nil {
		a, b = a4, b4
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] > b[i] {
			return true
		}
		if a[i] < b[i] {
			return false
		}
	}
	return false
}

func (r *Instance) onAdvertAsMaster(p *Packet, src net.IP) {
	if p.Priority == 0 {
		// Peer is stepping down; stay MASTER but advertise promptly so
		// any other BACKUP sees us without waiting a full interval.
		r.sendAdvertisement()
		return
	}
	if peerWins(p.Priority, r.effectivePriority, src, r.srcIPAddr()) {
		r.leaveMaster(Backup, true)
		r.masterAdvertInterval = wireIntervalToDuration(r.version, p.AdvertInt)
		r.armMasterDownTimer(r.masterDownInterval())
		r.fire(Master2Backup)
		return
	}
	// We still win: discard the peer's advertisement, continue as MASTER.
}

func (r *Instance) onAdvertAsBackup(p *Packet, src net.IP) {
	if p.Priority == 0 {
		r.masterAdvertInterval = wireIntervalToDuration(r.version, p.AdvertInt)
		r.armMasterDownTimer(r.skewTime())
		return
	}

	shouldReset := !r.preempt || p.Priority >= r.effectivePriority || peerWins(p.Priority, r.effectivePriority, src, r.srcIPAddr())
	if shouldReset {
		r.masterAdvertInterval = wireIntervalToDuration(r.version, p.AdvertInt)
		r.armMasterDownTimer(r.masterDownInterval())
		return
	}
	// preempt is true and the peer is a weaker MASTER: let the running
	// master-down timer continue so we take over when it expires,
	// subject to preempt_delay if configured.
	if r.preemptDelay > 0 && !r.havePreemptTimer {
		r.armPreemptDelayTimer()
	}
}

func (r *Instance) onPreemptDelayExpired() {
	r.havePreemptTimer = false
	// A master-down expiry that arrived while the delay was pending was
	// held back; take it now. A still-running master-down timer proceeds
	// to MASTER on its own when it fires.
	if r.GetState() == Backup && !r.haveMasterDownTimer {
		r.onMasterDownTimer()
	}
}

func (r *Instance) onMasterDownTimer() {
	r.haveMasterDownTimer = false
	if r.havePreemptTimer {
		// preempt_delay is still pending: onPreemptDelayExpired takes over.
		return
	}
	if r.syncGroup != nil && !r.syncGroup.readyForMaster(r) {
		// Hold at BACKUP until the rest of the group can move together;
		// re-arm so we re-check on the next would-be expiry.
		r.armMasterDownTimer(r.advertInterval)
		return
	}
	r.enterMaster()
	r.fire(Backup2Master)
}

func wireIntervalToDuration(v Version, wire uint16) time.Duration {
	if v == V2 {
		return time.Duration(wire) * time.Second
	}
	return time.Duration(wire) * 10 * time.Millisecond
}

// ---- tracker integration (spec.md §4.6 aggregation rule) ----

// ApplyTrackerPriority is called by internal/track whenever the
// aggregate tracker delta for this instance changes. effective is the
// already-clamped [1,254] (or 255 for the owner) priority; mustFault
// signals a weight-zero tracker failure, which forces FAULT regardless
// of the numeric priority (spec.md §3, §4.6).
func (r *Instance) ApplyTrackerPriority(effective byte, mustFault bool) {
	r.lp.Post(func() {
		wasFault := r.mustFault
		r.mustFault = mustFault
		r.effectivePriority = effective

		if mustFault {
			if r.GetState() != Fault {
				r.forceFault()
			}
			return
		}
		if wasFault && r.GetState() == Fault {
			r.leaveFault()
		}
	})
}

// OnInterfaceDown / OnInterfaceUp implement the interface-tracking half
// of spec.md §4.4's failure semantics: a down interface forces FAULT (if
// not the mandatory tracker kind, the weight is applied instead — that
// path is driven through ApplyTrackerPriority by internal/track); a
// non-tracked interface transition on the instance's *own* interface
// always forces FAULT, since nothing can be serviced without it.
func (r *Instance) OnInterfaceDown() {
	r.lp.Post(func() {
		switch r.GetState() {
		case Fault:
		case Master:
			// No priority-0 advertisement: its interface is down.
			r.leaveMaster(Fault, false)
			r.fire(Master2Fault)
			if r.syncGroup != nil {
				r.syncGroup.onMemberFault(r)
			}
		default:
			r.forceFault()
		}
	})
}

func (r *Instance) OnInterfaceUp() {
	r.lp.Post(func() {
		if r.GetState() == Fault && !r.mustFault {
			r.leaveFault()
		}
	})
}
