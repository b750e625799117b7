// Package daemon wires the protocol engines to real interfaces: raw
// sockets for the wire, netlink for kernel state, and a timer wheel for
// expiry dispatch.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	mdndp "github.com/mdlayher/ndp"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/ndplab/ndpd/pkg/cache"
	"github.com/ndplab/ndpd/pkg/config"
	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/iface"
	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/ndp"
	"github.com/ndplab/ndpd/pkg/sched"
)

const (
	defaultResolvedTTL = 30 * time.Minute

	// Short read deadline keeps shutdown latency low; sockets are closed on cancel to avoid spin.
	readDeadline = 500 * time.Millisecond
)

var (
	ErrNilConfig = errors.New("configuration is nil")
	ErrNilLogger = errors.New("logger is nil")

	errReadTimeout = errors.New("daemon: read timeout")
)

// managedInterface is one configured interface and its runtime state.
type managedInterface struct {
	cfg          config.InterfaceConfig
	routerConfig ndp.RouterConfigurations
	binding      *netBinding
	solicited    bool
}

type Daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	ifaces   *iface.Manager
	resolved *cache.Neighbors

	core    *ndp.Core
	wheel   *sched.Wheel
	events  chan any
	devices map[device.ID]*managedInterface
	byIndex map[int]device.ID
}

func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	daemon := &Daemon{
		cfg:      cfg,
		log:      logger.With("component", "daemon"),
		ifaces:   iface.NewManager(),
		resolved: cache.New(defaultResolvedTTL),
		events:   make(chan any, eventBuffer),
		devices:  make(map[device.ID]*managedInterface),
		byIndex:  make(map[int]device.ID),
	}

	daemon.wheel = sched.NewWheel(func(id sched.TimerID) {
		daemon.post(timerEvent{id: id})
	})
	daemon.core = ndp.New(daemon.wheel, ndp.WithLogger(logger.With("component", "ndp")))

	return daemon, nil
}

// Resolve returns the link-layer address for a neighbor, consulting the
// resolved cache before the engine. A false result means resolution is in
// flight; the caller retries after the engine reports the outcome.
func (d *Daemon) Resolve(id device.ID, addr netip.Addr) (linkAddr link.Addr, ok bool) {
	if cached, hit := d.resolved.Get(id, addr); hit {
		return cached, true
	}

	return d.core.Lookup(id, addr)
}

func (d *Daemon) Run(ctx context.Context) error {
	conn, packetConn, err := openICMPConn()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer d.wheel.Stop()

	if err := d.setupInterfaces(packetConn); err != nil {
		return err
	}
	defer d.closeInterfaces()

	if err := d.watchAddresses(ctx); err != nil {
		return fmt.Errorf("subscribe to address updates: %w", err)
	}

	cancelSockets := context.AfterFunc(ctx, func() {
		d.log.Debug("context canceled; closing sockets")
		conn.Close()
		d.closeInterfaces()
	})
	defer cancelSockets()

	d.startEngines()

	d.log.Info("ndp daemon started", "interfaces", d.interfaceNames())

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := d.engineLoop(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine loop: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		err := d.readLoop(ctx, conn, packetConn)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("read loop: %w", err)
		}

		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon components: %w", err)
	}

	return nil
}

// setupInterfaces opens per-interface frame sockets and registers every
// configured interface with the engine.
func (d *Daemon) setupInterfaces(packetConn *ipv6.PacketConn) error {
	for _, ifaceCfg := range d.cfg.Interfaces {
		ifc, err := d.ifaces.ByName(ifaceCfg.IfName)
		if err != nil {
			return err
		}

		linkAddr, err := d.ifaces.LinkAddr(ifaceCfg.IfName)
		if err != nil {
			return err
		}

		frameConn, err := openFrameConn(ifc)
		if err != nil {
			return err
		}

		id := device.ID(ifc.Index)
		binding := &netBinding{
			id:         id,
			ifc:        ifc,
			linkAddr:   linkAddr,
			router:     ifaceCfg.IsRouter(),
			frameConn:  frameConn,
			packetConn: packetConn,
			addrs:      make(map[netip.Addr]device.AddressState),
			resolved:   d.resolved,
			flush:      d.ifaces.Flush,
			log:        d.log.With("iface", ifc.Name),
		}

		if err := binding.loadAddresses(); err != nil {
			_ = frameConn.Close()

			return err
		}

		d.core.AddDevice(id, binding)
		d.core.SetConfigurations(id, ifaceCfg.HostConfigurations())

		routerConfig := ifaceCfg.RouterConfigurations()
		if err := d.core.SetRouterConfigurations(id, routerConfig); err != nil {
			_ = frameConn.Close()

			return fmt.Errorf("interface %s: %w", ifaceCfg.IfName, err)
		}

		d.devices[id] = &managedInterface{
			cfg:          ifaceCfg,
			routerConfig: routerConfig,
			binding:      binding,
		}
		d.byIndex[ifc.Index] = id
	}

	return nil
}

// startEngines kicks off DAD for tentative addresses and, where the
// preconditions hold already, soliciting or advertising. The event loop is
// not running yet, so these engine calls need no serialization.
func (d *Daemon) startEngines() {
	for id, managed := range d.devices {
		for addr, state := range managed.binding.addrs {
			if state == device.AddressTentative {
				d.core.StartDAD(id, addr)
			}
		}

		if managed.binding.router {
			d.maybeStartAdvertising(id, managed)
		} else {
			d.maybeStartSoliciting(id, managed)
		}
	}
}

func (d *Daemon) closeInterfaces() {
	for _, managed := range d.devices {
		if managed.binding.frameConn != nil {
			_ = managed.binding.frameConn.Close()
		}
	}
}

func (d *Daemon) interfaceNames() []string {
	names := make([]string, 0, len(d.devices))
	for _, managed := range d.devices {
		names = append(names, managed.binding.ifc.Name)
	}

	return names
}

// readLoop reads NDP messages from the shared ICMPv6 socket and funnels
// the valid ones into the engine loop.
func (d *Daemon) readLoop(ctx context.Context, conn *icmp.PacketConn, packetConn *ipv6.PacketConn) error {
	buf := make([]byte, readBufferLen)

	for {
		bytesRead, controlMessage, src, err := d.readPacket(ctx, conn, packetConn, buf)
		if err != nil {
			switch {
			case errors.Is(err, errReadTimeout):
				continue
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, net.ErrClosed):
				return context.Canceled
			default:
				return err
			}
		}

		d.acceptPacket(controlMessage, src, buf[:bytesRead])
	}
}

func (d *Daemon) readPacket(
	ctx context.Context,
	conn *icmp.PacketConn,
	packetConn *ipv6.PacketConn,
	buf []byte,
) (int, *ipv6.ControlMessage, net.Addr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return 0, nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	bytesRead, controlMessage, src, err := packetConn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			select {
			case <-ctx.Done():
				return 0, nil, nil, fmt.Errorf("context done: %w", ctx.Err())
			default:
				return 0, nil, nil, errReadTimeout
			}
		}

		return 0, nil, nil, fmt.Errorf("read icmp6: %w", err)
	}

	return bytesRead, controlMessage, src, nil
}

// acceptPacket validates the packet the way every NDP receiver must: hop
// limit 255 proves the packet was not forwarded. Messages on unmanaged
// interfaces and our own transmissions are dropped.
func (d *Daemon) acceptPacket(controlMessage *ipv6.ControlMessage, src net.Addr, payload []byte) {
	if controlMessage == nil || len(payload) == 0 {
		return
	}

	id, ok := d.byIndex[controlMessage.IfIndex]
	if !ok {
		return
	}

	if controlMessage.HopLimit != ndpHopLimit {
		d.log.Debug("drop ndp packet with invalid hop-limit", "hop_limit", controlMessage.HopLimit, "src", src)

		return
	}

	msg, err := mdndp.ParseMessage(payload)
	if err != nil {
		d.log.Debug("ignore malformed ndp packet", "err", err)

		return
	}

	dstIP, _ := netip.AddrFromSlice(controlMessage.Dst)

	d.post(messageEvent{dev: id, src: extractAddr(src), dst: dstIP.Unmap(), msg: msg})
}

func extractAddr(addr net.Addr) netip.Addr {
	ipAddr, ok := addr.(*net.IPAddr)
	if !ok {
		return netip.Addr{}
	}

	parsed, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return netip.Addr{}
	}

	return parsed.Unmap()
}
