package vrrp

import "sync/atomic"

// Stats holds the per-instance counters named in spec.md §3 and §6,
// grounded on keepalived's vrrp_print.c stats-dump field list. All
// fields are accessed with atomic ops so the socket-reader and the FSM
// can touch them without a shared lock.
type Stats struct {
	AdvertRcvd  uint64
	AdvertSent  uint64
	BecameMaster   uint64
	ReleasedMaster uint64

	PacketLenErr       uint64
	IPTTLErr           uint64
	InvalidTypeRcvd    uint64
	AdvertIntervalErr  uint64
	AddrListErr        uint64
	InvalidAuthType    uint64
	AuthTypeMismatch   uint64
	AuthFailure        uint64

	PriZeroRcvd uint64
	PriZeroSent uint64
}

func (s *Stats) incr(counter *uint64) { atomic.AddUint64(counter, 1) }

func (s *Stats) IncrAdvertRcvd()       { s.incr(&s.AdvertRcvd) }
func (s *Stats) IncrAdvertSent()       { s.incr(&s.AdvertSent) }
func (s *Stats) IncrBecameMaster()     { s.incr(&s.BecameMaster) }
func (s *Stats) IncrReleasedMaster()   { s.incr(&s.ReleasedMaster) }
func (s *Stats) IncrPacketLenErr()     { s.incr(&s.PacketLenErr) }
func (s *Stats) IncrIPTTLErr()         { s.incr(&s.IPTTLErr) }
func (s *Stats) IncrInvalidTypeRcvd()  { s.incr(&s.InvalidTypeRcvd) }
func (s *Stats) IncrAdvertIntervalErr() { s.incr(&s.AdvertIntervalErr) }
func (s *Stats) IncrAddrListErr()      { s.incr(&s.AddrListErr) }
func (s *Stats) IncrInvalidAuthType()  { s.incr(&s.InvalidAuthType) }
func (s *Stats) IncrAuthTypeMismatch() { s.incr(&s.AuthTypeMismatch) }
func (s *Stats) IncrAuthFailure()      { s.incr(&s.AuthFailure) }
func (s *Stats) IncrPriZeroRcvd()      { s.incr(&s.PriZeroRcvd) }
func (s *Stats) IncrPriZeroSent()      { s.incr(&s.PriZeroSent) }

// Snapshot returns a copy safe for a caller to read field-by-field
// without racing further increments (used by the stats-dump control
// surface, spec.md §6).
func (s *Stats) Snapshot() Stats {
	return Stats{
		AdvertRcvd:        atomic.LoadUint64(&s.AdvertRcvd),
		AdvertSent:        atomic.LoadUint64(&s.AdvertSent),
		BecameMaster:      atomic.LoadUint64(&s.BecameMaster),
		ReleasedMaster:    atomic.LoadUint64(&s.ReleasedMaster),
		PacketLenErr:      atomic.LoadUint64(&s.PacketLenErr),
		IPTTLErr:          atomic.LoadUint64(&s.IPTTLErr),
		InvalidTypeRcvd:   atomic.LoadUint64(&s.InvalidTypeRcvd),
		AdvertIntervalErr: atomic.LoadUint64(&s.AdvertIntervalErr),
		AddrListErr:       atomic.LoadUint64(&s.AddrListErr),
		InvalidAuthType:   atomic.LoadUint64(&s.InvalidAuthType),
		AuthTypeMismatch:  atomic.LoadUint64(&s.AuthTypeMismatch),
		AuthFailure:       atomic.LoadUint64(&s.AuthFailure),
		PriZeroRcvd:       atomic.LoadUint64(&s.PriZeroRcvd),
		PriZeroSent:       atomic.LoadUint64(&s.PriZeroSent),
	}
}
