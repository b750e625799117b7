// Package sched defines the multiplexed timer-identifier space used by the
// Neighbor Discovery engines and the scheduler contract they run against.
// The engines own timer lifecycles: whatever removes a piece of state must
// cancel the timers referring to it first.
package sched

import (
	"fmt"
	"net/netip"

	"github.com/ndplab/ndpd/pkg/device"
)

// Kind discriminates what a pending timer is for.
type Kind uint8

const (
	// KindLinkResolution retransmits a neighbor solicitation while an
	// address is being resolved. Keyed by the target address.
	KindLinkResolution Kind = iota + 1

	// KindDAD retransmits a Duplicate Address Detection probe. Keyed by
	// the tentative address.
	KindDAD

	// KindRouterSolicitation sends the next host router solicitation.
	KindRouterSolicitation

	// KindRouterAdvertisement sends the next periodic router
	// advertisement on an advertising interface.
	KindRouterAdvertisement

	// KindRouterInvalidation expires a discovered default router. Keyed
	// by the router's link-local address.
	KindRouterInvalidation

	// KindPrefixInvalidation expires a discovered on-link prefix. Keyed
	// by the prefix.
	KindPrefixInvalidation
)

func (k Kind) String() string {
	switch k {
	case KindLinkResolution:
		return "link-resolution"
	case KindDAD:
		return "dad"
	case KindRouterSolicitation:
		return "router-solicitation"
	case KindRouterAdvertisement:
		return "router-advertisement"
	case KindRouterInvalidation:
		return "router-invalidation"
	case KindPrefixInvalidation:
		return "prefix-invalidation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TimerID names one pending expiry: a device, a reason, and (for per-address
// or per-prefix timers) the key the reason applies to. TimerID has structural
// equality and is used directly as a map key.
type TimerID struct {
	Device device.ID
	Kind   Kind
	Addr   netip.Addr
	Prefix netip.Prefix
}

func (id TimerID) String() string {
	switch {
	case id.Prefix.IsValid():
		return fmt.Sprintf("%s/%s/%s", id.Device, id.Kind, id.Prefix)
	case id.Addr.IsValid():
		return fmt.Sprintf("%s/%s/%s", id.Device, id.Kind, id.Addr)
	default:
		return fmt.Sprintf("%s/%s", id.Device, id.Kind)
	}
}

// LinkResolutionTimer names the retransmit timer for resolving target.
func LinkResolutionTimer(dev device.ID, target netip.Addr) TimerID {
	return TimerID{Device: dev, Kind: KindLinkResolution, Addr: target}
}

// DADTimer names the retransmit timer for DAD on addr.
func DADTimer(dev device.ID, addr netip.Addr) TimerID {
	return TimerID{Device: dev, Kind: KindDAD, Addr: addr}
}

// RouterSolicitationTimer names the device's solicitation timer.
func RouterSolicitationTimer(dev device.ID) TimerID {
	return TimerID{Device: dev, Kind: KindRouterSolicitation}
}

// RouterAdvertisementTimer names the device's periodic advertisement timer.
func RouterAdvertisementTimer(dev device.ID) TimerID {
	return TimerID{Device: dev, Kind: KindRouterAdvertisement}
}

// RouterInvalidationTimer names the invalidation timer for router.
func RouterInvalidationTimer(dev device.ID, router netip.Addr) TimerID {
	return TimerID{Device: dev, Kind: KindRouterInvalidation, Addr: router}
}

// PrefixInvalidationTimer names the invalidation timer for prefix.
func PrefixInvalidationTimer(dev device.ID, prefix netip.Prefix) TimerID {
	return TimerID{Device: dev, Kind: KindPrefixInvalidation, Prefix: prefix}
}
