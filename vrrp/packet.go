package vrrp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// RFC 5798 5.1. VRRP Packet Format (v3; v2 differs only in the layout of
// header bytes 4-5 and the optional trailing authentication data):
//
//      0                   1                   2                   3
//     0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |Version| Type  | Virtual Rtr ID|   Priority    |Count IPvX Addr|
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |(rsvd) |     Max Adver Int     |          Checksum             |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                       IPvX Address(es)                       |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	typeAdvertisement byte = 1
	headerLen              = 8
	authDataLen            = 8 // v2 only, two 4-byte Authentication Data words
)

// Packet is a decoded VRRP advertisement, version-agnostic. Version
// selects how header bytes 4-5 are interpreted and whether trailing
// authentication data is present on the wire.
type Packet struct {
	Version  Version
	VRID     byte
	Priority byte
	// AdvertInt is the advertisement interval: whole seconds for v2,
	// centiseconds (10ms units, 1-4095) for v3. spec.md §3.
	AdvertInt uint16
	AuthType  AuthType // v2 only; always AuthNone for v3 on the wire
	AuthData  [authDataLen]byte
	Addrs     []netip.Addr
	Checksum  uint16
}

// PseudoHeader carries the IP-layer fields folded into the VRRP
// checksum per spec.md §3 (v2: payload only; v3: payload + pseudo
// header). The packet's Version decides which: for a v2 packet the
// PseudoHeader is ignored.
type PseudoHeader struct {
	Saddr    net.IP
	Daddr    net.IP
	Protocol uint8
	Len      uint16
}

func (p PseudoHeader) v4Bytes() []byte {
	b := make([]byte, 12)
	copy(b[0:4], p.Saddr.To4())
	copy(b[4:8], p.Daddr.To4())
	b[9] = p.Protocol
	binary.BigEndian.PutUint16(b[10:12], p.Len)
	return b
}

func (p PseudoHeader) v6Bytes() []byte {
	b := make([]byte, 40)
	copy(b[0:16], p.Saddr.To16())
	copy(b[16:32], p.Daddr.To16())
	binary.BigEndian.PutUint32(b[32:36], uint32(p.Len))
	b[39] = p.Protocol
	return b
}

// Encode serializes the packet into wire bytes for the given family. The
// checksum field is computed and written in place; Checksum is updated.
func (p *Packet) Encode(family Family, pshdr PseudoHeader) ([]byte, error) {
	if len(p.Addrs) == 0 {
		return nil, fmt.Errorf("vrrp: packet must carry at least one address")
	}
	addrWidth := 4
	if family == IPv6 {
		addrWidth = 16
	}
	body := make([]byte, headerLen+len(p.Addrs)*addrWidth)
	body[0] = (byte(p.Version) << 4) | (typeAdvertisement & 0x0F)
	body[1] = p.VRID
	body[2] = p.Priority
	body[3] = byte(len(p.Addrs))

	switch p.Version {
	case V2:
		body[4] = byte(p.AuthType)
		body[5] = byte(p.AdvertInt) // seconds, fits a byte by RFC 3768 usage
	case V3:
		if p.AdvertInt > 0x0FFF {
			return nil, fmt.Errorf("vrrp: v3 advert interval %d exceeds 4095 centiseconds", p.AdvertInt)
		}
		body[4] = byte((p.AdvertInt >> 8) & 0x0F)
		body[5] = byte(p.AdvertInt)
	default:
		return nil, fmt.Errorf("vrrp: unsupported version %d", p.Version)
	}

	off := headerLen
	for _, a := range p.Addrs {
		if family == IPv4 {
			a4 := a.As4()
			copy(body[off:], a4[:])
			off += 4
		} else {
			a16 := a.As16()
			copy(body[off:], a16[:])
			off += 16
		}
	}

	if p.Version == V2 && p.AuthType == AuthSimple {
		body = append(body, p.AuthData[:]...)
	}

	pshdr.Len = uint16(len(body))
	sum := checksum(family, pshdr, body, p.Version)
	p.Checksum = sum
	binary.BigEndian.PutUint16(body[6:8], sum)
	return body, nil
}

// Decode parses wire bytes into a Packet. It does not validate the
// checksum; call ValidateChecksum separately. The socket layer counts
// both a decode failure and a checksum failure under PacketLenErr.
func Decode(family Family, octets []byte) (*Packet, error) {
	if len(octets) < headerLen {
		return nil, fmt.Errorf("vrrp: packet shorter than header (%d bytes)", len(octets))
	}
	p := &Packet{
		Version:  Version(octets[0] >> 4),
		VRID:     octets[1],
		Priority: octets[2],
		Checksum: binary.BigEndian.Uint16(octets[6:8]),
	}
	typ := octets[0] & 0x0F
	if typ != typeAdvertisement {
		return nil, fmt.Errorf("vrrp: unsupported packet type %d", typ)
	}

	switch p.Version {
	case V2:
		p.AuthType = AuthType(octets[4])
		p.AdvertInt = uint16(octets[5])
	case V3:
		p.AdvertInt = uint16(octets[4]&0x0F)<<8 | uint16(octets[5])
	default:
		return nil, fmt.Errorf("vrrp: unsupported version %d", octets[0]>>4)
	}

	count := int(octets[3])
	addrWidth := 4
	if family == IPv6 {
		addrWidth = 16
	}
	need := headerLen + count*addrWidth
	if len(octets) < need {
		return nil, fmt.Errorf("vrrp: address count %d doesn't match payload length %d", count, len(octets))
	}
	p.Addrs = make([]netip.Addr, 0, count)
	off := headerLen
	for i := 0; i < count; i++ {
		if family == IPv4 {
			var a4 [4]byte
			copy(a4[:], octets[off:off+4])
			p.Addrs = append(p.Addrs, netip.AddrFrom4(a4))
		} else {
			var a16 [16]byte
			copy(a16[:], octets[off:off+16])
			p.Addrs = append(p.Addrs, netip.AddrFrom16(a16))
		}
		off += addrWidth
	}

	if p.Version == V2 && p.AuthType == AuthSimple && len(octets) >= need+authDataLen {
		copy(p.AuthData[:], octets[need:need+authDataLen])
	}
	return p, nil
}

// checksum computes the RFC 1071 ones-complement checksum: VRRP payload
// only for v2, payload plus pseudo header for v3 (spec.md §3). The
// checksum field itself (bytes 6-7) is treated as zero while summing.
func checksum(family Family, pshdr PseudoHeader, body []byte, version Version) uint16 {
	var buf []byte
	if version == V3 {
		if family == IPv4 {
			buf = append(buf, pshdr.v4Bytes()...)
		} else {
			buf = append(buf, pshdr.v6Bytes()...)
		}
	}
	buf = append(buf, body...)
	// Zero the checksum field before summing.
	csOffset := len(buf) - len(body) + 6
	buf[csOffset] = 0
	buf[csOffset+1] = 0

	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 > 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// ValidateChecksum recomputes the checksum over the received wire bytes
// (raw, exactly as read off the socket) and compares it to the Checksum
// field decoded from the header.
func (p *Packet) ValidateChecksum(family Family, pshdr PseudoHeader, raw []byte) bool {
	pshdr.Len = uint16(len(raw))
	return checksum(family, pshdr, raw, p.Version) == p.Checksum
}

// AddrSet returns the packet's addresses as an unordered set, for the
// address-list-mismatch comparison in spec.md §4.3 item 8.
func (p *Packet) AddrSet() map[netip.Addr]struct{} {
	s := make(map[netip.Addr]struct{}, len(p.Addrs))
	for _, a := range p.Addrs {
		s[a] = struct{}{}
	}
	return s
}

// SameAddrSet compares two address sets for the unordered equality
// spec.md §4.3 requires between a received advertisement's address list
// and the local VIP set.
func SameAddrSet(a, b map[netip.Addr]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
