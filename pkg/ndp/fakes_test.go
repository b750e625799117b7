package ndp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/require"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/sched"
	"github.com/ndplab/ndpd/pkg/testutil"
)

// fakeScheduler records armed timers without any clock. Tests drive expiry
// explicitly through fire, which mirrors the production wheel by removing
// the timer before dispatch so handlers may re-arm the same id.
type fakeScheduler struct {
	pending map[sched.TimerID]time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: make(map[sched.TimerID]time.Duration)}
}

func (s *fakeScheduler) Schedule(id sched.TimerID, delay time.Duration) {
	if _, ok := s.pending[id]; ok {
		panic("sched: timer " + id.String() + " already scheduled")
	}

	s.pending[id] = delay
}

func (s *fakeScheduler) Cancel(id sched.TimerID) bool {
	_, ok := s.pending[id]
	delete(s.pending, id)

	return ok
}

func (s *fakeScheduler) delay(t *testing.T, id sched.TimerID) time.Duration {
	t.Helper()

	delay, ok := s.pending[id]
	require.True(t, ok, "timer %s should be pending", id)

	return delay
}

func (s *fakeScheduler) fire(t *testing.T, core *Core, id sched.TimerID) {
	t.Helper()

	_, ok := s.pending[id]
	require.True(t, ok, "cannot fire timer %s, not pending", id)

	delete(s.pending, id)
	core.HandleTimer(id)
}

type sentFrame struct {
	dst     link.Addr
	src     netip.Addr
	dstIP   netip.Addr
	message ndp.Message
}

type sentPacket struct {
	src     netip.Addr
	dst     netip.Addr
	message ndp.Message
}

// fakeBinding records every outbound message and upcall the engines make.
type fakeBinding struct {
	linkAddr link.Addr
	addrs    []device.AddrEntry
	router   bool
	sendErr  error

	hopLimit uint8
	linkMTU  uint32

	frames  []sentFrame
	packets []sentPacket

	resolved   map[netip.Addr]link.Addr
	failed     []netip.Addr
	duplicates []netip.Addr
	unique     []netip.Addr
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{
		linkAddr: link.AddrFrom([6]byte{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}),
		resolved: make(map[netip.Addr]link.Addr),
	}
}

func (b *fakeBinding) LinkAddr() link.Addr { return b.linkAddr }

func (b *fakeBinding) Addrs() []device.AddrEntry { return b.addrs }

func (b *fakeBinding) AddressState(addr netip.Addr) device.AddressState {
	for _, entry := range b.addrs {
		if entry.Addr == addr {
			return entry.State
		}
	}

	return device.AddressUnknown
}

func (b *fakeBinding) IsRouter() bool { return b.router }

func (b *fakeBinding) SetHopLimit(hopLimit uint8) { b.hopLimit = hopLimit }

func (b *fakeBinding) SetLinkMTU(mtu uint32) { b.linkMTU = mtu }

func (b *fakeBinding) OnResolved(addr netip.Addr, linkAddr link.Addr) {
	b.resolved[addr] = linkAddr
}

func (b *fakeBinding) OnResolutionFailed(addr netip.Addr) {
	b.failed = append(b.failed, addr)
}

func (b *fakeBinding) OnDuplicateDetected(addr netip.Addr) {
	b.duplicates = append(b.duplicates, addr)
}

func (b *fakeBinding) OnUniqueConfirmed(addr netip.Addr) {
	b.unique = append(b.unique, addr)
}

func (b *fakeBinding) SendFrame(dst link.Addr, src, dstIP netip.Addr, msg ndp.Message) error {
	if b.sendErr != nil {
		return b.sendErr
	}

	b.frames = append(b.frames, sentFrame{dst: dst, src: src, dstIP: dstIP, message: msg})

	return nil
}

func (b *fakeBinding) SendPacket(src, dst netip.Addr, msg ndp.Message) error {
	if b.sendErr != nil {
		return b.sendErr
	}

	b.packets = append(b.packets, sentPacket{src: src, dst: dst, message: msg})

	return nil
}

func (b *fakeBinding) assignLinkLocal() netip.Addr {
	addr := netip.MustParseAddr("fe80::1")
	b.addrs = append(b.addrs, device.AddrEntry{Addr: addr, State: device.AddressAssigned})

	return addr
}

func (b *fakeBinding) assignGlobal() netip.Addr {
	addr := netip.MustParseAddr("2001:db8::1")
	b.addrs = append(b.addrs, device.AddrEntry{Addr: addr, State: device.AddressAssigned})

	return addr
}

func (b *fakeBinding) tentative(addr netip.Addr) {
	b.addrs = append(b.addrs, device.AddrEntry{Addr: addr, State: device.AddressTentative})
}

const testDevice = device.ID(1)

// newTestCore wires a Core with a recording scheduler and binding and one
// registered device.
func newTestCore(t *testing.T) (*Core, *fakeScheduler, *fakeBinding) {
	t.Helper()

	scheduler := newFakeScheduler()
	binding := newFakeBinding()

	core := New(scheduler, WithLogger(testutil.LoggerFromTB(t)))
	core.AddDevice(testDevice, binding)

	return core, scheduler, binding
}
