package ndp

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/ndp"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/sched"
)

// NUDState is the lifecycle state of a neighbor cache entry.
type NUDState uint8

const (
	nudIncomplete NUDState = iota + 1
	nudReachable
	nudStale
	nudDelay
	nudProbe
)

// Exported NUD states for inspection by integrators and tests.
const (
	Incomplete = nudIncomplete
	Reachable  = nudReachable
	Stale      = nudStale
	Delay      = nudDelay
	Probe      = nudProbe
)

func (s NUDState) String() string {
	switch s {
	case nudIncomplete:
		return "incomplete"
	case nudReachable:
		return "reachable"
	case nudStale:
		return "stale"
	case nudDelay:
		return "delay"
	case nudProbe:
		return "probe"
	default:
		return fmt.Sprintf("nud(%d)", uint8(s))
	}
}

// neighborEntry is one neighbor's resolution and reachability status. An
// Incomplete entry has no resolved link-layer address.
type neighborEntry struct {
	linkAddr link.Addr
	state    NUDState

	// transmitCounter counts solicitations sent while Incomplete.
	transmitCounter uint8

	isRouter bool
}

// NeighborView is a read-only snapshot of one neighbor cache entry.
type NeighborView struct {
	Addr     netip.Addr
	LinkAddr link.Addr
	State    NUDState
	IsRouter bool
}

// Neighbors returns a snapshot of the device's neighbor cache.
func (c *Core) Neighbors(id device.ID) []NeighborView {
	st := c.state(id)

	views := make([]NeighborView, 0, len(st.neighbors))
	for addr, entry := range st.neighbors {
		views = append(views, NeighborView{
			Addr:     addr,
			LinkAddr: entry.linkAddr,
			State:    entry.state,
			IsRouter: entry.isRouter,
		})
	}

	return views
}

// Lookup resolves target to a link-layer address. Multicast targets map
// directly to their Ethernet multicast address. A cached resolved entry is
// returned as-is; Stale entries are not revalidated here, which diverges
// from the RFC's recommended reconfirmation and is a known simplification.
// A miss creates an Incomplete entry, transmits the first neighbor
// solicitation, arms the retry timer, and reports resolution pending.
func (c *Core) Lookup(id device.ID, target netip.Addr) (link.Addr, bool) {
	st := c.state(id)

	if target.IsMulticast() {
		return link.EthernetMulticast(target), true
	}

	if entry, ok := st.neighbors[target]; ok {
		if entry.state != nudIncomplete {
			return entry.linkAddr, true
		}

		// Resolution already pending.
		return link.Addr{}, false
	}

	st.neighbors[target] = &neighborEntry{
		state:           nudIncomplete,
		transmitCounter: 1,
	}

	c.sendNeighborSolicitation(st, target)
	c.sched.Schedule(sched.LinkResolutionTimer(st.id, target), st.retransmitTimer)

	return link.Addr{}, false
}

// handleLinkResolutionTimer retries or abandons an in-flight resolution.
func (c *Core) handleLinkResolutionTimer(st *State, target netip.Addr) {
	entry, ok := st.neighbors[target]
	if !ok || entry.state != nudIncomplete {
		panic(fmt.Sprintf("ndp: resolution timer for %s on %s without incomplete entry", target, st.id))
	}

	if entry.transmitCounter < MaxMulticastSolicit {
		entry.transmitCounter++
		c.sendNeighborSolicitation(st, target)
		c.sched.Schedule(sched.LinkResolutionTimer(st.id, target), st.retransmitTimer)

		return
	}

	delete(st.neighbors, target)
	c.log.Debug("address resolution failed", "device", st.id, "target", target)
	st.binding.OnResolutionFailed(target)
}

// setLinkAddress inserts or updates a neighbor entry from incoming
// information. Solicited confirmations make the entry Reachable; anything
// unsolicited that is new or changes the cached address becomes Stale so it
// is revalidated before outbound use.
func (c *Core) setLinkAddress(st *State, neighbor netip.Addr, addr link.Addr, isReachable bool) {
	entry, ok := st.neighbors[neighbor]
	if !ok {
		entry = &neighborEntry{}
		st.neighbors[neighbor] = entry
	}

	wasIncomplete := ok && entry.state == nudIncomplete
	changed := !ok || wasIncomplete || entry.linkAddr != addr

	switch {
	case isReachable:
		entry.state = nudReachable
	case changed:
		entry.state = nudStale
	default:
		return
	}

	entry.linkAddr = addr
	entry.transmitCounter = 0

	// Unsolicited information still settles a pending resolution; the
	// retry timer must not outlive the Incomplete state.
	if wasIncomplete {
		c.sched.Cancel(sched.LinkResolutionTimer(st.id, neighbor))
		st.binding.OnResolved(neighbor, addr)
	}
}

// handleNeighborSolicitation processes an inbound solicitation: DAD
// conflict detection first, then solicited advertisement replies for
// addresses the device owns.
func (c *Core) handleNeighborSolicitation(st *State, src netip.Addr, ns *ndp.NeighborSolicitation) {
	target := ns.TargetAddress

	if src.IsValid() && src.IsUnspecified() {
		// Another node probing one of our tentative addresses is a DAD
		// race; both sides must back off. A probe for an address already
		// assigned here goes unanswered: the multicast defense of
		// assigned addresses from RFC 4862 section 5.4.3 is not
		// implemented, a known simplification like the Stale
		// revalidation gap in Lookup.
		if st.binding.AddressState(target) == device.AddressTentative {
			c.dadConflict(st, target)
		}

		return
	}

	if st.binding.AddressState(target) != device.AddressAssigned {
		c.log.Debug("ignoring solicitation for address we do not own", "device", st.id, "target", target)

		return
	}

	sourceLink := sourceLinkOption(ns.Options)
	if sourceLink.IsValid() {
		c.setLinkAddress(st, src, sourceLink, false)
	}

	c.sendNeighborAdvertisement(st, src, target)
}

// handleNeighborAdvertisement processes an inbound advertisement: DAD
// conflict detection first, then resolution of an Incomplete entry. Every
// other combination of cache state and advertisement is ignored.
func (c *Core) handleNeighborAdvertisement(st *State, na *ndp.NeighborAdvertisement) {
	target := na.TargetAddress

	if st.binding.AddressState(target) == device.AddressTentative {
		// Someone already owns the address we are probing.
		c.dadConflict(st, target)

		return
	}

	entry, ok := st.neighbors[target]
	if !ok || entry.state != nudIncomplete {
		return
	}

	targetLink := targetLinkOption(na.Options)
	if !targetLink.IsValid() {
		// Resolving an Incomplete entry requires the target
		// link-layer-address option.
		c.log.Debug("advertisement without target link-layer option", "device", st.id, "target", target)

		return
	}

	entry.linkAddr = targetLink
	entry.transmitCounter = 0
	entry.isRouter = na.Router

	if na.Solicited {
		entry.state = nudReachable
	} else {
		entry.state = nudStale
	}

	c.sched.Cancel(sched.LinkResolutionTimer(st.id, target))
	c.log.Debug("address resolved", "device", st.id, "target", target, "link", targetLink)
	st.binding.OnResolved(target, targetLink)
}

// sendNeighborSolicitation transmits a multicast solicitation for target to
// its solicited-node group.
func (c *Core) sendNeighborSolicitation(st *State, target netip.Addr) {
	msg := &ndp.NeighborSolicitation{TargetAddress: target}

	src := sourceAddr(st)
	if src.IsValid() {
		if opt := sourceLinkLayerOption(st); opt != nil {
			msg.Options = append(msg.Options, opt)
		}
	} else {
		src = netip.IPv6Unspecified()
	}

	group := link.SolicitedNodeMulticast(target)
	if err := st.binding.SendFrame(link.EthernetMulticast(group), src, group, msg); err != nil {
		c.log.Debug("failed to send neighbor solicitation", "device", st.id, "target", target, "err", err)
	}
}

// sendNeighborAdvertisement replies to a solicitation for an address the
// device owns.
func (c *Core) sendNeighborAdvertisement(st *State, dst, target netip.Addr) {
	msg := &ndp.NeighborAdvertisement{
		Router:        st.binding.IsRouter(),
		Solicited:     true,
		Override:      true,
		TargetAddress: target,
	}

	if linkAddr := st.binding.LinkAddr(); linkAddr.IsValid() {
		msg.Options = append(msg.Options, &ndp.LinkLayerAddress{
			Direction: ndp.Target,
			Addr:      linkAddr.HardwareAddr(),
		})
	}

	if err := st.binding.SendPacket(target, dst, msg); err != nil {
		c.log.Debug("failed to send neighbor advertisement", "device", st.id, "dst", dst, "err", err)
	}
}

// sourceLinkOption extracts a source-link-layer-address option.
func sourceLinkOption(options []ndp.Option) link.Addr {
	return linkOption(options, ndp.Source)
}

// targetLinkOption extracts a target-link-layer-address option.
func targetLinkOption(options []ndp.Option) link.Addr {
	return linkOption(options, ndp.Target)
}

func linkOption(options []ndp.Option, direction ndp.Direction) link.Addr {
	for _, opt := range options {
		lla, ok := opt.(*ndp.LinkLayerAddress)
		if !ok || lla.Direction != direction {
			continue
		}

		return link.FromHardware(lla.Addr)
	}

	return link.Addr{}
}
