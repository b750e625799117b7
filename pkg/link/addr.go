// Package link provides the fixed-size link-layer (EUI-48) address value
// type used throughout the Neighbor Discovery engine, together with the
// well-known IPv6 group addresses and the Ethernet multicast mapping.
package link

import (
	"net"
	"net/netip"
)

// AddrLen is the length of an EUI-48 link-layer address in bytes.
const AddrLen = 6

var (
	// Broadcast is the all-ones Ethernet broadcast address.
	Broadcast = Addr{octets: [AddrLen]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, valid: true}

	// AllNodes is the link-local all-nodes multicast group (ff02::1).
	AllNodes = netip.MustParseAddr("ff02::1")

	// AllRouters is the link-local all-routers multicast group (ff02::2).
	AllRouters = netip.MustParseAddr("ff02::2")
)

// Addr is a comparable EUI-48 link-layer address. The zero Addr is invalid
// and reports false from IsValid; it is usable as a map key.
type Addr struct {
	octets [AddrLen]byte
	valid  bool
}

// AddrFrom builds an Addr from a 6-byte array.
func AddrFrom(octets [AddrLen]byte) Addr {
	return Addr{octets: octets, valid: true}
}

// FromHardware converts a net.HardwareAddr. Addresses that are not exactly
// six bytes long (for example Infiniband GIDs) yield an invalid Addr.
func FromHardware(hw net.HardwareAddr) Addr {
	if len(hw) != AddrLen {
		return Addr{}
	}

	var octets [AddrLen]byte
	copy(octets[:], hw)

	return Addr{octets: octets, valid: true}
}

// IsValid reports whether the address was set from six bytes.
func (a Addr) IsValid() bool {
	return a.valid
}

// HardwareAddr returns a freshly allocated net.HardwareAddr, or nil for the
// invalid Addr.
func (a Addr) HardwareAddr() net.HardwareAddr {
	if !a.valid {
		return nil
	}

	hw := make(net.HardwareAddr, AddrLen)
	copy(hw, a.octets[:])

	return hw
}

func (a Addr) String() string {
	if !a.valid {
		return "invalid link address"
	}

	return a.HardwareAddr().String()
}

// EthernetMulticast maps an IPv6 multicast group to its Ethernet multicast
// address: 33:33 followed by the low-order four bytes of the group.
func EthernetMulticast(group netip.Addr) Addr {
	ip := group.As16()

	return AddrFrom([AddrLen]byte{0x33, 0x33, ip[12], ip[13], ip[14], ip[15]})
}

// SolicitedNodeMulticast derives the solicited-node multicast group
// (ff02::1:ffXX:XXXX) for addr per RFC 4291 section 2.7.1.
func SolicitedNodeMulticast(addr netip.Addr) netip.Addr {
	ip := addr.As16()

	return netip.AddrFrom16([16]byte{
		0xff, 0x02, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0x01, 0xff, ip[13], ip[14], ip[15],
	})
}
