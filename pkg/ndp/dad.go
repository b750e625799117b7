package ndp

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/ndp"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/sched"
)

// StartDAD begins Duplicate Address Detection for a tentative address.
// With DAD disabled (zero transmits configured) the address is confirmed
// unique immediately. Starting DAD twice for the same address is a contract
// violation.
func (c *Core) StartDAD(id device.ID, addr netip.Addr) {
	st := c.state(id)

	if _, ok := st.dad[addr]; ok {
		panic(fmt.Sprintf("ndp: dad already in progress for %s on %s", addr, id))
	}

	if st.config.DupAddrDetectTransmits == 0 {
		c.log.Debug("dad disabled, confirming address", "device", id, "addr", addr)
		st.binding.OnUniqueConfirmed(addr)

		return
	}

	c.doDAD(st, addr, st.config.DupAddrDetectTransmits)
}

// CancelDAD aborts an in-progress DAD run, for example because the address
// is being removed. Cancelling DAD that is not running is a contract
// violation.
func (c *Core) CancelDAD(id device.ID, addr netip.Addr) {
	st := c.state(id)

	if _, ok := st.dad[addr]; !ok {
		panic(fmt.Sprintf("ndp: dad not in progress for %s on %s", addr, id))
	}

	delete(st.dad, addr)
	c.sched.Cancel(sched.DADTimer(id, addr))
}

// DADInProgress reports whether addr is currently being probed.
func (c *Core) DADInProgress(id device.ID, addr netip.Addr) bool {
	_, ok := c.state(id).dad[addr]

	return ok
}

// doDAD sends one probe, records the decremented remaining count, and arms
// the retransmit timer.
func (c *Core) doDAD(st *State, addr netip.Addr, remaining uint8) {
	c.sendDADProbe(st, addr)

	st.dad[addr] = remaining - 1
	c.sched.Schedule(sched.DADTimer(st.id, addr), st.retransmitTimer)
}

// handleDADTimer runs the next DAD round, or concludes successfully when
// every configured probe has gone unanswered.
func (c *Core) handleDADTimer(st *State, addr netip.Addr) {
	remaining, ok := st.dad[addr]
	if !ok {
		panic(fmt.Sprintf("ndp: dad timer fired for %s on %s with no state", addr, st.id))
	}

	if remaining == 0 {
		delete(st.dad, addr)
		c.log.Debug("dad resolved, address unique", "device", st.id, "addr", addr)
		st.binding.OnUniqueConfirmed(addr)

		return
	}

	c.doDAD(st, addr, remaining)
}

// dadConflict records that another node claims addr: cancel any pending
// probing and report the duplicate so the device layer unassigns the
// address.
func (c *Core) dadConflict(st *State, addr netip.Addr) {
	if _, ok := st.dad[addr]; ok {
		delete(st.dad, addr)
		c.sched.Cancel(sched.DADTimer(st.id, addr))
	}

	c.log.Debug("duplicate address detected", "device", st.id, "addr", addr)
	st.binding.OnDuplicateDetected(addr)
}

// sendDADProbe solicits addr from the unspecified source. No
// source-link-layer-address option is included: RFC 4861 section 4.3
// forbids it when the source is unspecified.
func (c *Core) sendDADProbe(st *State, addr netip.Addr) {
	msg := &ndp.NeighborSolicitation{TargetAddress: addr}

	group := link.SolicitedNodeMulticast(addr)
	if err := st.binding.SendFrame(link.EthernetMulticast(group), netip.IPv6Unspecified(), group, msg); err != nil {
		c.log.Debug("failed to send dad probe", "device", st.id, "addr", addr, "err", err)
	}
}
