package sched_test

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/sched"
)

const fireWait = 2 * time.Second

func TestWheelFiresAndForgets(t *testing.T) {
	t.Parallel()

	fired := make(chan sched.TimerID, 1)
	wheel := sched.NewWheel(func(id sched.TimerID) {
		fired <- id
	})
	t.Cleanup(wheel.Stop)

	id := sched.RouterSolicitationTimer(device.ID(1))
	wheel.Schedule(id, time.Millisecond)

	select {
	case got := <-fired:
		assert.Equal(t, id, got, "unexpected timer id delivered")
	case <-time.After(fireWait):
		require.Fail(t, "timer did not fire")
	}

	assert.Equal(t, 0, wheel.Pending(), "fired timer should not stay pending")
	assert.False(t, wheel.Cancel(id), "fired timer should not be cancellable")
}

func TestWheelCancelSuppressesDelivery(t *testing.T) {
	t.Parallel()

	fired := make(chan sched.TimerID, 1)
	wheel := sched.NewWheel(func(id sched.TimerID) {
		fired <- id
	})
	t.Cleanup(wheel.Stop)

	id := sched.DADTimer(device.ID(7), netip.MustParseAddr("fe80::1"))
	wheel.Schedule(id, 50*time.Millisecond)
	require.True(t, wheel.Cancel(id), "expected cancel to find the pending timer")

	select {
	case <-fired:
		require.Fail(t, "cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWheelDuplicateSchedulePanics(t *testing.T) {
	t.Parallel()

	wheel := sched.NewWheel(func(sched.TimerID) {})
	t.Cleanup(wheel.Stop)

	id := sched.RouterInvalidationTimer(device.ID(2), netip.MustParseAddr("fe80::2"))
	wheel.Schedule(id, time.Hour)

	assert.Panics(t, func() {
		wheel.Schedule(id, time.Hour)
	}, "duplicate schedule must panic")
}

func TestWheelHandlerMayReschedule(t *testing.T) {
	t.Parallel()

	const rounds = 3

	var (
		mu    sync.Mutex
		count int
	)

	done := make(chan struct{})

	var wheel *sched.Wheel
	wheel = sched.NewWheel(func(id sched.TimerID) {
		mu.Lock()
		count++
		remaining := rounds - count
		mu.Unlock()

		if remaining > 0 {
			wheel.Schedule(id, time.Millisecond)

			return
		}

		close(done)
	})
	t.Cleanup(wheel.Stop)

	wheel.Schedule(sched.RouterAdvertisementTimer(device.ID(3)), time.Millisecond)

	select {
	case <-done:
	case <-time.After(fireWait):
		require.Fail(t, "timer chain did not complete")
	}
}

func TestWheelStopDisarmsEverything(t *testing.T) {
	t.Parallel()

	fired := make(chan sched.TimerID, 4)
	wheel := sched.NewWheel(func(id sched.TimerID) {
		fired <- id
	})

	wheel.Schedule(sched.RouterSolicitationTimer(device.ID(1)), 20*time.Millisecond)
	wheel.Schedule(sched.PrefixInvalidationTimer(device.ID(1), netip.MustParsePrefix("2001:db8::/64")), 20*time.Millisecond)
	wheel.Stop()

	assert.Equal(t, 0, wheel.Pending(), "stop should clear pending timers")

	select {
	case <-fired:
		require.Fail(t, "timer fired after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerIDEquality(t *testing.T) {
	t.Parallel()

	target := netip.MustParseAddr("fe80::42")

	first := sched.LinkResolutionTimer(device.ID(9), target)
	second := sched.LinkResolutionTimer(device.ID(9), netip.MustParseAddr("fe80::42"))

	assert.Equal(t, first, second, "identical identifiers must compare equal")
	assert.NotEqual(t, first, sched.DADTimer(device.ID(9), target), "kinds must discriminate")
	assert.NotEqual(t, first, sched.LinkResolutionTimer(device.ID(8), target), "devices must discriminate")
}
