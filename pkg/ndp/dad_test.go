package ndp

import (
	"net/netip"
	"testing"

	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/sched"
)

var tentativeIP = netip.MustParseAddr("fe80::10")

func TestDADSendsConfiguredProbes(t *testing.T) {
	t.Parallel()

	core, scheduler, binding := newTestCore(t)
	binding.tentative(tentativeIP)
	core.SetConfigurations(testDevice, Configurations{DupAddrDetectTransmits: 2})

	timer := sched.DADTimer(testDevice, tentativeIP)

	core.StartDAD(testDevice, tentativeIP)
	require.True(t, core.DADInProgress(testDevice, tentativeIP))
	require.Len(t, binding.frames, 1)
	assert.Equal(t, core.RetransmitTimer(testDevice), scheduler.delay(t, timer))

	scheduler.fire(t, core, timer)
	assert.Len(t, binding.frames, 2, "second probe on first expiry")
	assert.Empty(t, binding.unique, "not confirmed until all probes age out")

	scheduler.fire(t, core, timer)
	assert.Len(t, binding.frames, 2, "probe count is exact")
	assert.Equal(t, []netip.Addr{tentativeIP}, binding.unique)
	assert.False(t, core.DADInProgress(testDevice, tentativeIP))
	assert.Empty(t, scheduler.pending)
}

func TestDADProbeShape(t *testing.T) {
	t.Parallel()

	core, _, binding := newTestCore(t)
	binding.assignLinkLocal()
	binding.tentative(tentativeIP)

	core.StartDAD(testDevice, tentativeIP)

	require.Len(t, binding.frames, 1)
	frame := binding.frames[0]

	assert.True(t, frame.src.IsUnspecified(), "probes originate from the unspecified address")
	assert.Equal(t, link.SolicitedNodeMulticast(tentativeIP), frame.dstIP)
	assert.Equal(t, link.EthernetMulticast(frame.dstIP), frame.dst)

	ns, isNS := frame.message.(*ndp.NeighborSolicitation)
	require.True(t, isNS)
	assert.Equal(t, tentativeIP, ns.TargetAddress)
	assert.Empty(t, ns.Options, "a probe from :: must not carry SLL")
}

func TestDADDisabledConfirmsImmediately(t *testing.T) {
	t.Parallel()

	core, scheduler, binding := newTestCore(t)
	binding.tentative(tentativeIP)
	core.SetConfigurations(testDevice, Configurations{DupAddrDetectTransmits: 0})

	core.StartDAD(testDevice, tentativeIP)

	assert.Equal(t, []netip.Addr{tentativeIP}, binding.unique)
	assert.Empty(t, binding.frames, "disabled DAD sends nothing")
	assert.Empty(t, scheduler.pending)
	assert.False(t, core.DADInProgress(testDevice, tentativeIP))
}

func TestDADCancel(t *testing.T) {
	t.Parallel()

	core, scheduler, binding := newTestCore(t)
	binding.tentative(tentativeIP)

	core.StartDAD(testDevice, tentativeIP)
	core.CancelDAD(testDevice, tentativeIP)

	assert.False(t, core.DADInProgress(testDevice, tentativeIP))
	assert.Empty(t, scheduler.pending)
	assert.Empty(t, binding.unique)
	assert.Empty(t, binding.duplicates)
}

func TestDADConflictFromProbe(t *testing.T) {
	t.Parallel()

	core, scheduler, binding := newTestCore(t)
	binding.tentative(tentativeIP)

	core.StartDAD(testDevice, tentativeIP)

	// Another node probing the same tentative address is a two-sided race;
	// our side must give up the address.
	probe := &ndp.NeighborSolicitation{TargetAddress: tentativeIP}
	core.HandleMessage(testDevice, netip.IPv6Unspecified(), link.AllNodes, probe)

	assert.Equal(t, []netip.Addr{tentativeIP}, binding.duplicates)
	assert.False(t, core.DADInProgress(testDevice, tentativeIP))
	assert.Empty(t, scheduler.pending, "conflict cancels the probe timer")
	assert.Empty(t, binding.unique)
}

func TestDADConflictFromAdvertisement(t *testing.T) {
	t.Parallel()

	core, _, binding := newTestCore(t)
	binding.tentative(tentativeIP)

	core.StartDAD(testDevice, tentativeIP)

	// An advertisement for the tentative address means it already has an
	// owner, solicited flag and options notwithstanding.
	na := &ndp.NeighborAdvertisement{TargetAddress: tentativeIP}
	core.HandleMessage(testDevice, netip.MustParseAddr("fe80::2"), link.AllNodes, na)

	assert.Equal(t, []netip.Addr{tentativeIP}, binding.duplicates)
	assert.False(t, core.DADInProgress(testDevice, tentativeIP))
}

func TestDADConflictWithoutProbing(t *testing.T) {
	t.Parallel()

	core, _, binding := newTestCore(t)
	binding.tentative(tentativeIP)

	// A conflict can arrive before StartDAD, for example with DAD disabled;
	// the duplicate is still reported.
	probe := &ndp.NeighborSolicitation{TargetAddress: tentativeIP}
	core.HandleMessage(testDevice, netip.IPv6Unspecified(), link.AllNodes, probe)

	assert.Equal(t, []netip.Addr{tentativeIP}, binding.duplicates)
}

func TestDADContractViolations(t *testing.T) {
	t.Parallel()

	core, _, binding := newTestCore(t)
	binding.tentative(tentativeIP)

	assert.Panics(t, func() { core.CancelDAD(testDevice, tentativeIP) },
		"cancelling DAD that never started")

	core.StartDAD(testDevice, tentativeIP)

	assert.Panics(t, func() { core.StartDAD(testDevice, tentativeIP) },
		"starting DAD twice for the same address")

	assert.Panics(t, func() {
		core.HandleTimer(sched.DADTimer(testDevice, netip.MustParseAddr("fe80::99")))
	}, "DAD timer without state")
}
