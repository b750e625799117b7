package ndp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mdlayher/ndp"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/sched"
)

// StartSolicitingRouters begins the host's router solicitation burst. The
// first solicitation is delayed by a uniformly random amount in
// [0, MaxRtrSolicitationDelay] to avoid synchronized floods on link
// bring-up. Calling this on a router, or while already soliciting, is a
// contract violation. With soliciting disabled (zero max solicitations)
// this is a no-op.
func (c *Core) StartSolicitingRouters(id device.ID) {
	st := c.state(id)

	if st.binding.IsRouter() {
		panic(fmt.Sprintf("ndp: %s is a router and must not solicit routers", id))
	}

	if st.soliciting {
		panic(fmt.Sprintf("ndp: %s is already soliciting routers", id))
	}

	if st.config.MaxRtrSolicitations == 0 {
		return
	}

	st.soliciting = true
	st.solicitRemaining = st.config.MaxRtrSolicitations

	delay := c.jitter(0, MaxRtrSolicitationDelay)
	c.sched.Schedule(sched.RouterSolicitationTimer(id), delay)
}

// StopSolicitingRouters cancels any pending solicitation and zeroes the
// remaining count. Called when the device transitions to operating as a
// router; safe to call when not soliciting.
func (c *Core) StopSolicitingRouters(id device.ID) {
	st := c.state(id)

	if !st.soliciting {
		return
	}

	st.soliciting = false
	st.solicitRemaining = 0
	c.sched.Cancel(sched.RouterSolicitationTimer(id))
}

// handleRouterSolicitationTimer sends one solicitation and reschedules at
// the fixed interval while transmissions remain.
func (c *Core) handleRouterSolicitationTimer(st *State) {
	if !st.soliciting || st.solicitRemaining == 0 {
		panic(fmt.Sprintf("ndp: solicitation timer fired on %s while not soliciting", st.id))
	}

	c.sendRouterSolicitation(st)

	st.solicitRemaining--
	if st.solicitRemaining > 0 {
		c.sched.Schedule(sched.RouterSolicitationTimer(st.id), RtrSolicitationInterval)

		return
	}

	st.soliciting = false
}

// sendRouterSolicitation transmits a solicitation to all-routers. The
// source-link-layer-address option is omitted when the device has no usable
// source address: a solicitation from :: must not carry one.
func (c *Core) sendRouterSolicitation(st *State) {
	msg := &ndp.RouterSolicitation{}

	src := sourceAddr(st)
	if src.IsValid() {
		if opt := sourceLinkLayerOption(st); opt != nil {
			msg.Options = append(msg.Options, opt)
		}
	} else {
		src = netip.IPv6Unspecified()
	}

	if err := st.binding.SendFrame(link.EthernetMulticast(link.AllRouters), src, link.AllRouters, msg); err != nil {
		c.log.Debug("failed to send router solicitation", "device", st.id, "err", err)
	}
}

// handleRouterAdvertisement ingests a validated advertisement per RFC 4861
// section 6.3.4: default-router learning, parameter learning, and option
// processing. Advertisements from non-link-local sources are silently
// discarded, as are all advertisements while the device operates as a
// router.
func (c *Core) handleRouterAdvertisement(st *State, src netip.Addr, ra *ndp.RouterAdvertisement) {
	if !src.Is6() || !src.IsLinkLocalUnicast() {
		c.log.Debug("discarding advertisement from non-link-local source", "device", st.id, "src", src)

		return
	}

	if st.binding.IsRouter() {
		return
	}

	c.learnDefaultRouter(st, src, ra)
	c.learnParameters(st, ra)

	for _, opt := range ra.Options {
		switch option := opt.(type) {
		case *ndp.LinkLayerAddress:
			if option.Direction != ndp.Source {
				continue
			}

			if addr := link.FromHardware(option.Addr); addr.IsValid() {
				// Learned without a reachability confirmation, so
				// Stale until validated.
				c.setLinkAddress(st, src, addr, false)
			}
		case *ndp.MTU:
			if option.MTU >= minIPv6MTU {
				st.binding.SetLinkMTU(option.MTU)
			}
		case *ndp.PrefixInformation:
			c.handlePrefixInformation(st, option)
		}
	}

	// The advertisement proves the sender is a router.
	if entry, ok := st.neighbors[src]; ok {
		entry.isRouter = true
	}
}

// learnDefaultRouter applies the router-lifetime rules: zero invalidates a
// known router (and ignores an unknown one); non-zero adds the router if
// new and re-arms its invalidation timer either way.
func (c *Core) learnDefaultRouter(st *State, src netip.Addr, ra *ndp.RouterAdvertisement) {
	_, known := st.defaultRouters[src]

	if ra.RouterLifetime == 0 {
		if known {
			c.invalidateDefaultRouter(st, src, false)
		}

		return
	}

	if known {
		c.sched.Cancel(sched.RouterInvalidationTimer(st.id, src))
	} else {
		st.defaultRouters[src] = struct{}{}
		c.log.Debug("default router discovered", "device", st.id, "router", src, "lifetime", ra.RouterLifetime)
	}

	c.sched.Schedule(sched.RouterInvalidationTimer(st.id, src), ra.RouterLifetime)
}

// invalidateDefaultRouter removes a router from the default-router set.
// When invoked from its own invalidation timer the timer is already spent;
// otherwise it is cancelled here. Invalidating an unknown router is a
// contract violation.
func (c *Core) invalidateDefaultRouter(st *State, router netip.Addr, fromTimer bool) {
	if _, ok := st.defaultRouters[router]; !ok {
		panic(fmt.Sprintf("ndp: invalidating unknown router %s on %s", router, st.id))
	}

	if !fromTimer {
		c.sched.Cancel(sched.RouterInvalidationTimer(st.id, router))
	}

	delete(st.defaultRouters, router)
	c.log.Debug("default router invalidated", "device", st.id, "router", router)
}

// learnParameters applies the advertised reachable-time, retransmit-timer,
// and hop-limit values. Zero fields carry no opinion and leave the current
// values alone. A new reachable-time base rederives the randomized value
// used by reachability detection.
func (c *Core) learnParameters(st *State, ra *ndp.RouterAdvertisement) {
	if ra.ReachableTime != 0 && ra.ReachableTime != st.baseReachableTime {
		st.baseReachableTime = ra.ReachableTime
		st.reachableTime = c.deriveReachableTime(ra.ReachableTime)
	}

	if ra.RetransmitTimer != 0 {
		st.retransmitTimer = ra.RetransmitTimer
	}

	if ra.CurrentHopLimit != 0 {
		st.binding.SetHopLimit(ra.CurrentHopLimit)
	}
}

// handlePrefixInformation applies one prefix-information option. Malformed,
// off-link, and link-local prefixes are ignored. A zero valid lifetime
// invalidates a known prefix; the all-ones sentinel means no invalidation
// timer at all.
func (c *Core) handlePrefixInformation(st *State, pio *ndp.PrefixInformation) {
	if !pio.OnLink {
		return
	}

	if pio.PrefixLength == 0 || int(pio.PrefixLength) > pio.Prefix.BitLen() {
		return
	}

	if !pio.Prefix.Is6() || pio.Prefix.IsLinkLocalUnicast() {
		return
	}

	prefix, err := pio.Prefix.Prefix(int(pio.PrefixLength))
	if err != nil {
		return
	}

	hasTimer, known := st.onLinkPrefixes[prefix]
	valid := pio.ValidLifetime

	switch {
	case !known && valid == 0:
		return

	case !known:
		st.onLinkPrefixes[prefix] = c.armPrefixTimer(st, prefix, valid)
		c.log.Debug("on-link prefix discovered", "device", st.id, "prefix", prefix, "lifetime", valid)

	case valid == 0:
		c.invalidateOnLinkPrefix(st, prefix, false)

	default:
		if hasTimer {
			c.sched.Cancel(sched.PrefixInvalidationTimer(st.id, prefix))
		}

		st.onLinkPrefixes[prefix] = c.armPrefixTimer(st, prefix, valid)
	}
}

// armPrefixTimer schedules invalidation unless the lifetime is the infinite
// sentinel; it reports whether a timer is now armed.
func (c *Core) armPrefixTimer(st *State, prefix netip.Prefix, valid time.Duration) bool {
	if valid >= ndp.Infinity {
		return false
	}

	c.sched.Schedule(sched.PrefixInvalidationTimer(st.id, prefix), valid)

	return true
}

// invalidateOnLinkPrefix removes a prefix from the on-link set.
// Invalidating an unknown prefix is a contract violation.
func (c *Core) invalidateOnLinkPrefix(st *State, prefix netip.Prefix, fromTimer bool) {
	hasTimer, ok := st.onLinkPrefixes[prefix]
	if !ok {
		panic(fmt.Sprintf("ndp: invalidating unknown prefix %s on %s", prefix, st.id))
	}

	if hasTimer && !fromTimer {
		c.sched.Cancel(sched.PrefixInvalidationTimer(st.id, prefix))
	}

	delete(st.onLinkPrefixes, prefix)
	c.log.Debug("on-link prefix invalidated", "device", st.id, "prefix", prefix)
}
