package daemon

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"

	"github.com/mdlayher/ndp"
	"github.com/mdlayher/packet"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv6"

	"github.com/ndplab/ndpd/pkg/cache"
	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/link"
	"github.com/ndplab/ndpd/pkg/netutil"
)

// netBinding is the engine's view of one operating-system interface. It
// owns the interface's address table, sends frames through a raw packet
// socket and packets through the shared ICMPv6 socket, and pushes the
// engine's verdicts back into the kernel.
//
// All methods are invoked from the daemon's single engine goroutine.
type netBinding struct {
	id       device.ID
	ifc      *net.Interface
	linkAddr link.Addr
	router   bool

	frameConn  *packet.Conn
	packetConn *ipv6.PacketConn

	addrs map[netip.Addr]device.AddressState

	resolved *cache.Neighbors
	flush    func()
	log      *slog.Logger
}

func (b *netBinding) LinkAddr() link.Addr { return b.linkAddr }

func (b *netBinding) IsRouter() bool { return b.router }

func (b *netBinding) Addrs() []device.AddrEntry {
	entries := make([]device.AddrEntry, 0, len(b.addrs))
	for addr, state := range b.addrs {
		entries = append(entries, device.AddrEntry{Addr: addr, State: state})
	}

	return entries
}

func (b *netBinding) AddressState(addr netip.Addr) device.AddressState {
	if state, ok := b.addrs[addr]; ok {
		return state
	}

	return device.AddressUnknown
}

func (b *netBinding) SetHopLimit(hopLimit uint8) {
	path := "/proc/sys/net/ipv6/conf/" + b.ifc.Name + "/hop_limit"
	if err := os.WriteFile(path, []byte(strconv.Itoa(int(hopLimit))), 0o644); err != nil {
		b.log.Debug("failed to apply hop limit", "iface", b.ifc.Name, "hop_limit", hopLimit, "err", err)

		return
	}

	b.log.Debug("hop limit applied", "iface", b.ifc.Name, "hop_limit", hopLimit)
}

func (b *netBinding) SetLinkMTU(mtu uint32) {
	nlLink, err := netlink.LinkByIndex(b.ifc.Index)
	if err != nil {
		b.log.Debug("failed to look up link for mtu", "iface", b.ifc.Name, "err", err)

		return
	}

	if err := netlink.LinkSetMTU(nlLink, int(mtu)); err != nil {
		b.log.Debug("failed to apply link mtu", "iface", b.ifc.Name, "mtu", mtu, "err", err)

		return
	}

	b.log.Debug("link mtu applied", "iface", b.ifc.Name, "mtu", mtu)
}

func (b *netBinding) OnResolved(addr netip.Addr, linkAddr link.Addr) {
	// Reconfirmations of a mapping the cache still holds leave the kernel
	// entry alone; only new or changed mappings are installed.
	if cached, ok := b.resolved.Get(b.id, addr); ok && cached == linkAddr {
		return
	}

	b.resolved.Put(b.id, addr, linkAddr)

	neigh := &netlink.Neigh{
		LinkIndex:    b.ifc.Index,
		Family:       netlink.FAMILY_V6,
		State:        netlink.NUD_REACHABLE,
		IP:           addr.AsSlice(),
		HardwareAddr: linkAddr.HardwareAddr(),
	}
	if err := netlink.NeighSet(neigh); err != nil {
		b.log.Debug("failed to install neighbor entry", "iface", b.ifc.Name, "addr", addr, "err", err)
	}

	b.log.Info("neighbor resolved", "iface", b.ifc.Name, "addr", addr, "link", linkAddr)
}

func (b *netBinding) OnResolutionFailed(addr netip.Addr) {
	b.resolved.Forget(b.id, addr)
	b.log.Info("neighbor unreachable", "iface", b.ifc.Name, "addr", addr)
}

func (b *netBinding) OnDuplicateDetected(addr netip.Addr) {
	delete(b.addrs, addr)

	nlAddr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(128, 128),
	}}

	nlLink, err := netlink.LinkByIndex(b.ifc.Index)
	if err == nil {
		if err := netlink.AddrDel(nlLink, nlAddr); err != nil {
			b.log.Warn("failed to remove duplicate address", "iface", b.ifc.Name, "addr", addr, "err", err)
		}
	}

	b.log.Warn("duplicate address detected", "iface", b.ifc.Name, "addr", addr)
}

func (b *netBinding) OnUniqueConfirmed(addr netip.Addr) {
	b.addrs[addr] = device.AddressAssigned
	b.log.Info("address confirmed unique", "iface", b.ifc.Name, "addr", addr)
}

func (b *netBinding) SendFrame(dst link.Addr, src, dstIP netip.Addr, msg ndp.Message) error {
	frame, err := encodeFrame(dst, b.linkAddr, src, dstIP, msg)
	if err != nil {
		return err
	}

	sockAddr := &packet.Addr{HardwareAddr: dst.HardwareAddr()}
	if _, err := b.frameConn.WriteTo(frame, sockAddr); err != nil {
		b.handleSendError(err)

		return fmt.Errorf("send frame on %s: %w", b.ifc.Name, err)
	}

	return nil
}

func (b *netBinding) SendPacket(src, dst netip.Addr, msg ndp.Message) error {
	payload, err := ndp.MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("marshal ndp message: %w", err)
	}

	ctrl := &ipv6.ControlMessage{
		IfIndex:  b.ifc.Index,
		HopLimit: ndpHopLimit,
		Src:      src.AsSlice(),
	}

	ipDst := &net.IPAddr{IP: dst.AsSlice(), Zone: b.ifc.Name}
	if _, err := b.packetConn.WriteTo(payload, ctrl, ipDst); err != nil {
		b.handleSendError(err)

		return fmt.Errorf("send packet on %s: %w", b.ifc.Name, err)
	}

	return nil
}

// handleSendError drops cached interface state after the interface
// disappears so the next lookup re-resolves it.
func (b *netBinding) handleSendError(err error) {
	if !netutil.IsNoDeviceError(err) {
		return
	}

	if b.flush != nil {
		b.flush()
	}
}

// loadAddresses seeds the binding's address table from the kernel.
// Tentative addresses will be probed by the engine before being used.
func (b *netBinding) loadAddresses() error {
	nlLink, err := netlink.LinkByIndex(b.ifc.Index)
	if err != nil {
		return fmt.Errorf("link by index %d: %w", b.ifc.Index, err)
	}

	nlAddrs, err := netlink.AddrList(nlLink, netlink.FAMILY_V6)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", b.ifc.Name, err)
	}

	for _, nlAddr := range nlAddrs {
		addr, ok := netip.AddrFromSlice(nlAddr.IP)
		if !ok {
			continue
		}

		addr = addr.Unmap()
		if b.addrTentative(nlAddr) {
			b.addrs[addr] = device.AddressTentative
		} else {
			b.addrs[addr] = device.AddressAssigned
		}
	}

	return nil
}

func (b *netBinding) addrTentative(nlAddr netlink.Addr) bool {
	return nlAddr.Flags&tentativeFlag != 0
}
