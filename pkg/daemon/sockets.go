package daemon

import (
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

const (
	readBufferLen   = 4096
	ethernetAddrLen = 6

	icmpChecksumOffset = 2

	tentativeFlag = unix.IFA_F_TENTATIVE
)

var (
	errIfindexTooLarge = errors.New("ifindex exceeds int32")

	// ErrIPv6PacketConn indicates creating an IPv6 packet connection failed.
	ErrIPv6PacketConn = errors.New("failed to obtain ipv6 packet connection")
)

// openICMPConn opens the shared ICMPv6 socket used for reading NDP messages
// on every managed interface and for packet-level sends. Control messages
// carry the receiving interface, destination, and hop limit; the hop limit
// is how forwarded NDP packets are rejected.
func openICMPConn() (*icmp.PacketConn, *ipv6.PacketConn, error) {
	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, nil, fmt.Errorf("open icmp socket: %w", err)
	}

	packetConn := conn.IPv6PacketConn()
	if packetConn == nil {
		conn.Close()

		return nil, nil, ErrIPv6PacketConn
	}

	if err := packetConn.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst|ipv6.FlagHopLimit, true); err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("enable control messages: %w", err)
	}

	if err := packetConn.SetChecksum(true, icmpChecksumOffset); err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("enable checksum offload: %w", err)
	}

	if err := packetConn.SetMulticastLoopback(false); err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("disable multicast loopback: %w", err)
	}

	if err := packetConn.SetMulticastHopLimit(ndpHopLimit); err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("set hop limit: %w", err)
	}

	return conn, packetConn, nil
}

// openFrameConn opens a send-only raw packet socket on the interface. The
// filter rejects every inbound frame so unread traffic never piles up in
// the socket buffer; reception happens on the shared ICMPv6 socket.
func openFrameConn(ifc *net.Interface) (*packet.Conn, error) {
	filter := []bpf.RawInstruction{
		{Op: unix.BPF_RET + unix.BPF_K, K: 0},
	}

	conn, err := packet.Listen(ifc, packet.Raw, int(unix.ETH_P_IPV6), &packet.Config{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("open raw packet socket ifindex %d: %w", ifc.Index, err)
	}

	if err := enableAllMulticast(conn, ifc.Index); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("enable all-multicast ifindex %d: %w", ifc.Index, err)
	}

	return conn, nil
}

// enableAllMulticast puts the packet socket into all-multicast mode so
// solicited-node groups need no per-address membership management.
func enableAllMulticast(conn *packet.Conn, ifindex int) error {
	if ifindex > math.MaxInt32 {
		return fmt.Errorf("%w: %d", errIfindexTooLarge, ifindex)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	if err := rawConn.Control(func(fdDescriptor uintptr) {
		mreq := &unix.PacketMreq{
			Ifindex: int32(ifindex), //nolint:gosec // bounded by check above
			Type:    unix.PACKET_MR_ALLMULTI,
			Alen:    ethernetAddrLen,
		}
		sockErr = unix.SetsockoptPacketMreq(int(fdDescriptor), unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq)
	}); err != nil {
		return fmt.Errorf("enable all-multicast control: %w", err)
	}

	if sockErr != nil {
		return fmt.Errorf("enable all-multicast setsockopt: %w", sockErr)
	}

	return nil
}
