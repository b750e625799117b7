package daemon

import (
	"context"
	"net/netip"

	mdndp "github.com/mdlayher/ndp"
	"github.com/vishvananda/netlink"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/sched"
)

const eventBuffer = 128

// The engine is single-threaded and run-to-completion: timer expiries,
// inbound messages, and kernel address updates are funneled through one
// channel and consumed by one goroutine.
type (
	timerEvent struct {
		id sched.TimerID
	}

	messageEvent struct {
		dev      device.ID
		src, dst netip.Addr
		msg      mdndp.Message
	}

	addrEvent struct {
		dev       device.ID
		addr      netip.Addr
		added     bool
		tentative bool
	}
)

// engineLoop consumes events until the context is done. It is the only
// goroutine that touches the protocol engine.
func (d *Daemon) engineLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			d.dispatch(ev)
		}
	}
}

func (d *Daemon) dispatch(ev any) {
	switch event := ev.(type) {
	case timerEvent:
		d.core.HandleTimer(event.id)
	case messageEvent:
		if d.isSelf(event.dev, event.src) {
			return
		}

		d.core.HandleMessage(event.dev, event.src, event.dst, event.msg)
	case addrEvent:
		d.handleAddrEvent(event)
	default:
		d.log.Debug("dropping unknown engine event")
	}
}

// handleAddrEvent reconciles a kernel address change with the engine: new
// tentative addresses get probed, removed addresses abort any probing in
// flight.
func (d *Daemon) handleAddrEvent(ev addrEvent) {
	managed, ok := d.devices[ev.dev]
	if !ok {
		return
	}

	binding := managed.binding

	if !ev.added {
		if d.core.DADInProgress(ev.dev, ev.addr) {
			d.core.CancelDAD(ev.dev, ev.addr)
		}

		delete(binding.addrs, ev.addr)
		d.log.Debug("address removed", "iface", binding.ifc.Name, "addr", ev.addr)

		return
	}

	if ev.tentative {
		if _, known := binding.addrs[ev.addr]; known {
			return
		}

		binding.addrs[ev.addr] = device.AddressTentative
		d.core.StartDAD(ev.dev, ev.addr)

		return
	}

	binding.addrs[ev.addr] = device.AddressAssigned
	d.maybeStartAdvertising(ev.dev, managed)
	d.maybeStartSoliciting(ev.dev, managed)
}

// maybeStartAdvertising begins the advertisement loop once an advertising
// router gains an assigned link-local address.
func (d *Daemon) maybeStartAdvertising(id device.ID, managed *managedInterface) {
	if !managed.binding.router || !managed.routerConfig.SendAdvertisements {
		return
	}

	if d.core.Advertising(id) {
		return
	}

	if !hasAssignedLinkLocal(managed.binding) {
		return
	}

	d.core.StartAdvertising(id)
	d.log.Info("router advertising started", "iface", managed.binding.ifc.Name)
}

// maybeStartSoliciting starts the host's router solicitation burst once a
// usable source address exists; solicitations from :: are legal but carry
// no source link-layer option, so waiting briefly improves responses.
func (d *Daemon) maybeStartSoliciting(id device.ID, managed *managedInterface) {
	if managed.binding.router || managed.solicited {
		return
	}

	managed.solicited = true
	d.core.StartSolicitingRouters(id)
	d.log.Info("router solicitation started", "iface", managed.binding.ifc.Name)
}

// isSelf drops our own transmissions looped back by the kernel.
func (d *Daemon) isSelf(id device.ID, src netip.Addr) bool {
	managed, ok := d.devices[id]
	if !ok || !src.IsValid() {
		return false
	}

	_, owned := managed.binding.addrs[src]

	return owned
}

func hasAssignedLinkLocal(binding *netBinding) bool {
	for addr, state := range binding.addrs {
		if state == device.AddressAssigned && addr.IsLinkLocalUnicast() {
			return true
		}
	}

	return false
}

// watchAddresses subscribes to kernel address updates and forwards the ones
// for managed interfaces into the engine loop.
func (d *Daemon) watchAddresses(ctx context.Context) error {
	updates := make(chan netlink.AddrUpdate, eventBuffer)
	done := make(chan struct{})

	if err := netlink.AddrSubscribe(updates, done); err != nil {
		return err
	}

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}

				d.forwardAddrUpdate(update)
			}
		}
	}()

	return nil
}

func (d *Daemon) forwardAddrUpdate(update netlink.AddrUpdate) {
	id := device.ID(update.LinkIndex)
	if _, ok := d.devices[id]; !ok {
		return
	}

	addr, ok := netip.AddrFromSlice(update.LinkAddress.IP)
	if !ok {
		return
	}

	addr = addr.Unmap()
	if !addr.Is6() {
		return
	}

	d.post(addrEvent{
		dev:       id,
		addr:      addr,
		added:     update.NewAddr,
		tentative: update.Flags&tentativeFlag != 0,
	})
}

// post enqueues an event, dropping it if the daemon is shutting down and
// the loop no longer drains.
func (d *Daemon) post(ev any) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("engine event queue full, dropping event")
	}
}
