package daemon

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/ndp"

	"github.com/ndplab/ndpd/pkg/link"
)

const (
	ethernetHeaderLen = 14
	ipv6HeaderLen     = 40

	etherTypeIPv6    = 0x86dd
	icmpv6NextHeader = 58

	// All Neighbor Discovery packets are sent with hop limit 255 so
	// receivers can reject forwarded ones.
	ndpHopLimit = 255

	ipv6Version      = 6
	ipv6VersionShift = 4
)

// encodeFrame builds a complete Ethernet frame carrying msg as an ICMPv6
// packet from src to dst. The checksum is computed here because raw packet
// sockets bypass the kernel's ICMPv6 checksum offload.
func encodeFrame(dst, srcHW link.Addr, src, dstIP netip.Addr, msg ndp.Message) ([]byte, error) {
	payload, err := ndp.MarshalMessageChecksum(msg, src, dstIP)
	if err != nil {
		return nil, fmt.Errorf("marshal ndp message: %w", err)
	}

	frame := make([]byte, ethernetHeaderLen+ipv6HeaderLen+len(payload))

	dstHW := dst.HardwareAddr()
	copy(frame[0:6], dstHW)
	copy(frame[6:12], srcHW.HardwareAddr())
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv6)

	hdr := frame[ethernetHeaderLen : ethernetHeaderLen+ipv6HeaderLen]
	hdr[0] = ipv6Version << ipv6VersionShift
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	hdr[6] = icmpv6NextHeader
	hdr[7] = ndpHopLimit

	srcBytes := src.As16()
	dstBytes := dstIP.As16()
	copy(hdr[8:24], srcBytes[:])
	copy(hdr[24:40], dstBytes[:])

	copy(frame[ethernetHeaderLen+ipv6HeaderLen:], payload)

	return frame, nil
}
