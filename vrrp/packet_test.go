package vrrp

import (
	"net"
	"net/netip"
	"testing"
)

func TestPacketV3RoundTrip(t *testing.T) {
	p := &Packet{
		Version:   V3,
		VRID:      51,
		Priority:  100,
		AdvertInt: 100,
		Addrs:     []netip.Addr{netip.MustParseAddr("192.168.0.230")},
	}
	pshdr := PseudoHeader{
		Saddr:    net.ParseIP("192.168.0.220"),
		Daddr:    MulticastAddrIPv4,
		Protocol: vrrpIPProtocolNumber,
	}

	raw, err := p.Encode(IPv4, pshdr)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(IPv4, raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.VRID != p.VRID || decoded.Priority != p.Priority || decoded.AdvertInt != p.AdvertInt {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, p)
	}
	if len(decoded.Addrs) != 1 || decoded.Addrs[0] != p.Addrs[0] {
		t.Fatalf("address round trip mismatch: %v vs %v", decoded.Addrs, p.Addrs)
	}
	if !decoded.ValidateChecksum(IPv4, pshdr, raw) {
		t.Fatal("checksum validation failed on freshly encoded packet")
	}
}

func TestPacketV3RoundTripIPv6(t *testing.T) {
	p := &Packet{
		Version:   V3,
		VRID:      7,
		Priority:  200,
		AdvertInt: 4095,
		Addrs: []netip.Addr{
			netip.MustParseAddr("fe80::1"),
			netip.MustParseAddr("fe80::2"),
		},
	}
	pshdr := PseudoHeader{
		Saddr:    net.ParseIP("fe80::220"),
		Daddr:    MulticastAddrIPv6,
		Protocol: vrrpIPProtocolNumber,
	}
	raw, err := p.Encode(IPv6, pshdr)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(IPv6, raw)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.ValidateChecksum(IPv6, pshdr, raw) {
		t.Fatal("IPv6 checksum validation failed")
	}
	if len(decoded.Addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(decoded.Addrs))
	}
}

func TestPacketV2AuthRoundTrip(t *testing.T) {
	p := &Packet{
		Version:   V2,
		VRID:      240,
		Priority:  100,
		AdvertInt: 1,
		AuthType:  AuthSimple,
		Addrs:     []netip.Addr{netip.MustParseAddr("192.168.0.230")},
	}
	copy(p.AuthData[:], "secret12")
	pshdr := PseudoHeader{Protocol: vrrpIPProtocolNumber}

	raw, err := p.Encode(IPv4, pshdr)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(IPv4, raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.AuthType != AuthSimple || decoded.AuthData != p.AuthData {
		t.Fatalf("auth data round trip mismatch: %+v", decoded)
	}
	if !decoded.ValidateChecksum(IPv4, pshdr, raw) {
		t.Fatal("v2 checksum validation failed")
	}
}

func TestPacketRejectsOversizedV3Interval(t *testing.T) {
	p := &Packet{Version: V3, VRID: 1, Priority: 1, AdvertInt: 4096, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}}
	if _, err := p.Encode(IPv4, PseudoHeader{}); err == nil {
		t.Fatal("expected error for advert interval > 4095 centiseconds")
	}
}

func TestPacketRejectsShortPayload(t *testing.T) {
	if _, err := Decode(IPv4, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding a too-short payload")
	}
}

func TestPacketRejectsCorruptChecksum(t *testing.T) {
	p := &Packet{Version: V3, VRID: 1, Priority: 1, AdvertInt: 1, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}}
	pshdr := PseudoHeader{Saddr: net.ParseIP("10.0.0.2"), Daddr: MulticastAddrIPv4, Protocol: vrrpIPProtocolNumber}
	raw, err := p.Encode(IPv4, pshdr)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF // corrupt the last address byte

	decoded, err := Decode(IPv4, raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ValidateChecksum(IPv4, pshdr, raw) {
		t.Fatal("checksum validation should fail on corrupted payload")
	}
}

func TestSameAddrSet(t *testing.T) {
	a := map[netip.Addr]struct{}{
		netip.MustParseAddr("10.0.0.1"): {},
		netip.MustParseAddr("10.0.0.2"): {},
	}
	b := map[netip.Addr]struct{}{
		netip.MustParseAddr("10.0.0.2"): {},
		netip.MustParseAddr("10.0.0.1"): {},
	}
	if !SameAddrSet(a, b) {
		t.Fatal("identical sets in different order should compare equal")
	}
	c := map[netip.Addr]struct{}{netip.MustParseAddr("10.0.0.1"): {}}
	if SameAddrSet(a, c) {
		t.Fatal("sets of different size should not compare equal")
	}
}
