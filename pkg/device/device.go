// Package device describes the capability set the Neighbor Discovery engine
// consumes from the surrounding stack's device layer: per-device IPv6
// address state, link parameters, outcome notifications, and transmission.
package device

import (
	"net/netip"
	"strconv"

	"github.com/mdlayher/ndp"

	"github.com/ndplab/ndpd/pkg/link"
)

// ID identifies one device (interface) inside the stack.
type ID int32

func (id ID) String() string {
	return "dev" + strconv.FormatInt(int64(id), 10)
}

// AddressState is the lifecycle state of an IPv6 address on a device.
type AddressState uint8

const (
	// AddressUnknown means the address is not assigned to the device.
	AddressUnknown AddressState = iota

	// AddressTentative means the address is assigned but has not yet
	// passed Duplicate Address Detection; it must not source traffic.
	AddressTentative

	// AddressAssigned means the address is fully usable.
	AddressAssigned
)

func (s AddressState) String() string {
	switch s {
	case AddressTentative:
		return "tentative"
	case AddressAssigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// AddrEntry is one IPv6 address on a device together with its state.
type AddrEntry struct {
	Addr  netip.Addr
	State AddressState
}

// Binding is the per-device capability set the engine operates through.
//
// Transmission is fire-and-forget from the engine's perspective: a send
// error never rolls back the state transition that triggered it. The
// notification methods are invoked synchronously from engine calls and must
// not call back into the engine.
type Binding interface {
	// LinkAddr returns the device's link-layer address, or an invalid
	// Addr when the link has none.
	LinkAddr() link.Addr

	// Addrs returns the device's IPv6 addresses with their states.
	Addrs() []AddrEntry

	// AddressState reports the state of addr on this device.
	AddressState(addr netip.Addr) AddressState

	// IsRouter reports whether the device currently operates as a router
	// (forwarding enabled).
	IsRouter() bool

	// SetHopLimit applies a default hop limit learned from a router
	// advertisement.
	SetHopLimit(hops uint8)

	// SetLinkMTU applies a link MTU learned from a router advertisement.
	SetLinkMTU(mtu uint32)

	// OnResolved reports that addr resolved to linkAddr.
	OnResolved(addr netip.Addr, linkAddr link.Addr)

	// OnResolutionFailed reports that resolving addr was abandoned after
	// the retry limit. Terminal; the engine will not retry on its own.
	OnResolutionFailed(addr netip.Addr)

	// OnDuplicateDetected reports that a tentative address is claimed by
	// another node. The device layer is expected to unassign it.
	OnDuplicateDetected(addr netip.Addr)

	// OnUniqueConfirmed reports that a tentative address passed DAD and
	// may be marked assigned.
	OnUniqueConfirmed(addr netip.Addr)

	// SendFrame transmits msg in a link-layer frame addressed to dst,
	// sourced from src (the unspecified address is valid for DAD probes).
	SendFrame(dst link.Addr, src, dstIP netip.Addr, msg ndp.Message) error

	// SendPacket transmits msg as an IP packet routed toward dst with the
	// NDP-mandated hop limit of 255.
	SendPacket(src, dst netip.Addr, msg ndp.Message) error
}
