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

// StartAdvertising begins sending unsolicited router advertisements at
// jittered intervals in [MinInterval, MaxInterval]. The device must be a
// router with SendAdvertisements enabled and hold an assigned link-local
// address; starting twice is a contract violation.
func (c *Core) StartAdvertising(id device.ID) {
	st := c.state(id)

	if st.advertising {
		panic(fmt.Sprintf("ndp: %s is already advertising", id))
	}

	c.checkAdvertiser(st)

	st.advertising = true
	c.sched.Schedule(sched.RouterAdvertisementTimer(id), c.advertInterval(st))
}

// StopAdvertising halts unsolicited advertisements; safe to call when not
// advertising. Integrators wanting graceful shutdown send a final zero
// lifetime advertisement themselves via SendRouterAdvertisement.
func (c *Core) StopAdvertising(id device.ID) {
	st := c.state(id)

	if !st.advertising {
		return
	}

	st.advertising = false
	c.sched.Cancel(sched.RouterAdvertisementTimer(id))
}

// Advertising reports whether the unsolicited advertisement loop is running.
func (c *Core) Advertising(id device.ID) bool {
	return c.state(id).advertising
}

// SendRouterAdvertisement sends one advertisement built from the device's
// router configurations to dst, typically all-nodes or a soliciting host.
func (c *Core) SendRouterAdvertisement(id device.ID, dst netip.Addr) {
	st := c.state(id)

	c.checkAdvertiser(st)
	c.sendRouterAdvertisement(st, dst)
}

// handleRouterAdvertisementTimer emits the next unsolicited advertisement
// and re-arms the interval timer.
func (c *Core) handleRouterAdvertisementTimer(st *State) {
	if !st.advertising {
		panic(fmt.Sprintf("ndp: advertisement timer fired on %s while not advertising", st.id))
	}

	c.sendRouterAdvertisement(st, link.AllNodes)
	c.sched.Schedule(sched.RouterAdvertisementTimer(st.id), c.advertInterval(st))
}

// handleRouterSolicitation processes an inbound solicitation. Hosts and
// non-advertising routers ignore it. The reply goes to all-nodes, which
// also refreshes every other host on the link.
func (c *Core) handleRouterSolicitation(st *State, src netip.Addr, rs *ndp.RouterSolicitation) {
	if !st.binding.IsRouter() || !st.advertising {
		return
	}

	if src.IsValid() && !src.IsUnspecified() {
		if sourceLink := sourceLinkOption(rs.Options); sourceLink.IsValid() {
			c.setLinkAddress(st, src, sourceLink, false)
		}
	}

	c.sendRouterAdvertisement(st, link.AllNodes)
}

// checkAdvertiser panics unless the device satisfies the advertising
// contract: router role, advertising enabled, link-local source available.
func (c *Core) checkAdvertiser(st *State) {
	if !st.binding.IsRouter() {
		panic(fmt.Sprintf("ndp: %s is not a router", st.id))
	}

	if !st.routerConfig.SendAdvertisements {
		panic(fmt.Sprintf("ndp: advertisements are disabled on %s", st.id))
	}

	if !linkLocalAddr(st).IsValid() {
		panic(fmt.Sprintf("ndp: %s has no assigned link-local address", st.id))
	}
}

// advertInterval draws the jittered delay until the next unsolicited
// advertisement.
func (c *Core) advertInterval(st *State) time.Duration {
	return c.jitter(st.routerConfig.MinInterval, st.routerConfig.MaxInterval)
}

// sendRouterAdvertisement builds the advertisement from the device's router
// configurations. Advertisements are always sourced from the link-local
// address per RFC 4861 section 6.1.2.
func (c *Core) sendRouterAdvertisement(st *State, dst netip.Addr) {
	rc := &st.routerConfig

	msg := &ndp.RouterAdvertisement{
		CurrentHopLimit:      rc.HopLimit,
		ManagedConfiguration: rc.Managed,
		OtherConfiguration:   rc.OtherConfig,
		RouterLifetime:       rc.DefaultLifetime,
		ReachableTime:        rc.ReachableTime,
		RetransmitTimer:      rc.RetransmitTimer,
	}

	if opt := sourceLinkLayerOption(st); opt != nil {
		msg.Options = append(msg.Options, opt)
	}

	if rc.LinkMTU > 0 {
		msg.Options = append(msg.Options, &ndp.MTU{MTU: rc.LinkMTU})
	}

	for _, prefix := range rc.Prefixes {
		msg.Options = append(msg.Options, &ndp.PrefixInformation{
			PrefixLength:                   uint8(prefix.Prefix.Bits()),
			OnLink:                         prefix.OnLink,
			AutonomousAddressConfiguration: prefix.Autonomous,
			ValidLifetime:                  prefix.ValidLifetime,
			PreferredLifetime:              prefix.PreferredLifetime,
			Prefix:                         prefix.Prefix.Addr(),
		})
	}

	if err := st.binding.SendPacket(linkLocalAddr(st), dst, msg); err != nil {
		c.log.Debug("failed to send router advertisement", "device", st.id, "dst", dst, "err", err)
	}
}
