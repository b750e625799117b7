package ndp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/sched"
)

var advertID = sched.RouterAdvertisementTimer(testDevice)

// newAdvertisingCore builds a Core whose device is an advertising router
// with an assigned link-local address.
func newAdvertisingCore(t *testing.T) (*Core, *fakeScheduler, *fakeBinding) {
	t.Helper()

	core, scheduler, binding := newTestCore(t)
	binding.router = true
	binding.assignLinkLocal()

	config := DefaultRouterConfigurations()
	config.SendAdvertisements = true
	require.NoError(t, core.SetRouterConfigurations(testDevice, config))

	return core, scheduler, binding
}

func TestAdvertisingLoop(t *testing.T) {
	t.Parallel()

	core, scheduler, binding := newAdvertisingCore(t)

	core.StartAdvertising(testDevice)
	require.True(t, core.Advertising(testDevice))

	config := core.RouterConfigurations(testDevice)
	delay := scheduler.delay(t, advertID)
	assert.GreaterOrEqual(t, delay, config.MinInterval)
	assert.LessOrEqual(t, delay, config.MaxInterval)

	scheduler.fire(t, core, advertID)

	require.Len(t, binding.packets, 1)
	packet := binding.packets[0]
	assert.Equal(t, link.AllNodes, packet.dst)
	assert.True(t, packet.src.IsLinkLocalUnicast(), "advertisements are sourced link-local")

	_, isRA := packet.message.(*ndp.RouterAdvertisement)
	assert.True(t, isRA)

	delay = scheduler.delay(t, advertID)
	assert.GreaterOrEqual(t, delay, config.MinInterval, "the loop re-arms after each send")

	core.StopAdvertising(testDevice)
	assert.Empty(t, scheduler.pending)
	assert.False(t, core.Advertising(testDevice))

	// Idempotent.
	core.StopAdvertising(testDevice)
}

func TestAdvertisementContent(t *testing.T) {
	t.Parallel()

	core, _, binding := newAdvertisingCore(t)
	prefix := netip.MustParsePrefix("2001:db8:1::/64")

	config := core.RouterConfigurations(testDevice)
	config.Managed = true
	config.OtherConfig = true
	config.LinkMTU = 1500
	config.ReachableTime = 10 * time.Second
	config.RetransmitTimer = time.Second
	config.HopLimit = 64
	config.DefaultLifetime = 1800 * time.Second
	config.Prefixes = []PrefixConfiguration{{
		Prefix:            prefix,
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     2 * time.Hour,
		PreferredLifetime: time.Hour,
	}}
	require.NoError(t, core.SetRouterConfigurations(testDevice, config))

	core.SendRouterAdvertisement(testDevice, link.AllNodes)

	require.Len(t, binding.packets, 1)
	ra := binding.packets[0].message.(*ndp.RouterAdvertisement)

	assert.Equal(t, uint8(64), ra.CurrentHopLimit)
	assert.True(t, ra.ManagedConfiguration)
	assert.True(t, ra.OtherConfiguration)
	assert.Equal(t, 1800*time.Second, ra.RouterLifetime)
	assert.Equal(t, 10*time.Second, ra.ReachableTime)
	assert.Equal(t, time.Second, ra.RetransmitTimer)

	var sll, mtu, pio bool
	for _, opt := range ra.Options {
		switch option := opt.(type) {
		case *ndp.LinkLayerAddress:
			sll = option.Direction == ndp.Source
		case *ndp.MTU:
			mtu = option.MTU == 1500
		case *ndp.PrefixInformation:
			pio = option.Prefix == prefix.Addr() &&
				option.PrefixLength == 64 &&
				option.OnLink &&
				option.AutonomousAddressConfiguration &&
				option.ValidLifetime == 2*time.Hour &&
				option.PreferredLifetime == time.Hour
		}
	}

	assert.True(t, sll, "advertisement carries our link-layer address")
	assert.True(t, mtu, "non-zero LinkMTU becomes an MTU option")
	assert.True(t, pio, "configured prefixes become prefix-information options")
}

func TestSolicitationTriggersReply(t *testing.T) {
	t.Parallel()

	core, _, binding := newAdvertisingCore(t)
	core.StartAdvertising(testDevice)

	rs := &ndp.RouterSolicitation{
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: neighborHW},
		},
	}
	core.HandleMessage(testDevice, neighborIP, link.AllRouters, rs)

	require.Len(t, binding.packets, 1, "a solicitation triggers an advertisement")
	assert.Equal(t, link.AllNodes, binding.packets[0].dst,
		"the reply goes to all-nodes, refreshing everyone")

	// The solicitor's SLL option seeds the neighbor cache.
	views := core.Neighbors(testDevice)
	require.Len(t, views, 1)
	assert.Equal(t, neighborMAC, views[0].LinkAddr)
	assert.Equal(t, Stale, views[0].State)
}

func TestSolicitationFromUnspecifiedNotCached(t *testing.T) {
	t.Parallel()

	core, _, binding := newAdvertisingCore(t)
	core.StartAdvertising(testDevice)

	rs := &ndp.RouterSolicitation{
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: neighborHW},
		},
	}
	core.HandleMessage(testDevice, netip.IPv6Unspecified(), link.AllRouters, rs)

	require.Len(t, binding.packets, 1, "the reply still goes out")
	assert.Empty(t, core.Neighbors(testDevice), "an unspecified source is never cached")
}

func TestSolicitationIgnoredByHosts(t *testing.T) {
	t.Parallel()

	core, _, binding := newTestCore(t)
	binding.assignLinkLocal()

	core.HandleMessage(testDevice, neighborIP, link.AllRouters, &ndp.RouterSolicitation{})

	assert.Empty(t, binding.packets)
}

func TestSolicitationIgnoredWhileNotAdvertising(t *testing.T) {
	t.Parallel()

	core, _, binding := newAdvertisingCore(t)

	core.HandleMessage(testDevice, neighborIP, link.AllRouters, &ndp.RouterSolicitation{})

	assert.Empty(t, binding.packets)
}

func TestAdvertisingContractViolations(t *testing.T) {
	t.Parallel()

	t.Run("not a router", func(t *testing.T) {
		t.Parallel()

		core, _, binding := newTestCore(t)
		binding.assignLinkLocal()

		assert.Panics(t, func() { core.StartAdvertising(testDevice) })
	})

	t.Run("advertisements disabled", func(t *testing.T) {
		t.Parallel()

		core, _, binding := newTestCore(t)
		binding.router = true
		binding.assignLinkLocal()

		assert.Panics(t, func() { core.StartAdvertising(testDevice) })
	})

	t.Run("no link-local address", func(t *testing.T) {
		t.Parallel()

		core, _, binding := newTestCore(t)
		binding.router = true

		config := DefaultRouterConfigurations()
		config.SendAdvertisements = true
		require.NoError(t, core.SetRouterConfigurations(testDevice, config))

		assert.Panics(t, func() { core.StartAdvertising(testDevice) })
	})

	t.Run("double start", func(t *testing.T) {
		t.Parallel()

		core, _, _ := newAdvertisingCore(t)

		core.StartAdvertising(testDevice)
		assert.Panics(t, func() { core.StartAdvertising(testDevice) })
	})
}
