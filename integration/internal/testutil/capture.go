//go:build linux

package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	mdndp "github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

const (
	ndpHopLimit        = 255
	readBufferSize     = 1500
	icmpChecksumOffset = 2
	captureDeadline    = 2 * time.Second
)

var (
	errIPv6PacketConnMissing = errors.New("ipv6 packet connection missing")
	errUnexpectedSourceType  = errors.New("unexpected source type")
)

// Capture is one NDP message observed on the wire, with the receive-side
// metadata the protocol validates.
type Capture struct {
	Message  mdndp.Message
	Source   *net.IPAddr
	HopLimit int
	Received time.Time
}

// waitForMessage listens inside the namespace until a message matching the
// predicate arrives or the context expires.
func waitForMessage(ctx context.Context, ns netns.NsHandle, match func(mdndp.Message) bool) (*Capture, error) {
	var rawConn *icmp.PacketConn
	if err := WithNetNS(ns, func() error {
		c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
		if err != nil {
			return fmt.Errorf("listen icmpv6: %w", err)
		}
		rawConn = c

		return nil
	}); err != nil {
		return nil, fmt.Errorf("setup ndp listener: %w", err)
	}
	defer func() {
		_ = rawConn.Close()
	}()

	if err := rawConn.IPv6PacketConn().SetControlMessage(ipv6.FlagInterface|ipv6.FlagHopLimit, true); err != nil {
		return nil, fmt.Errorf("enable control message: %w", err)
	}

	readBuffer := make([]byte, readBufferSize)
	for {
		capture, keepWaiting, err := readMessageOnce(ctx, rawConn, readBuffer, match)
		if err != nil {
			return nil, err
		}

		if keepWaiting {
			continue
		}

		return capture, nil
	}
}

func readMessageOnce(
	ctx context.Context,
	rawConn *icmp.PacketConn,
	buf []byte,
	match func(mdndp.Message) bool,
) (*Capture, bool, error) {
	if err := rawConn.SetReadDeadline(time.Now().Add(captureDeadline)); err != nil {
		return nil, false, fmt.Errorf("set read deadline: %w", err)
	}

	readLen, control, src, err := rawConn.IPv6PacketConn().ReadFrom(buf)
	if err != nil {
		if IsTimeoutErr(err) {
			if ctx.Err() != nil {
				return nil, false, fmt.Errorf("context done while waiting for ndp message: %w", ctx.Err())
			}

			return nil, true, nil
		}

		return nil, false, fmt.Errorf("read ndp message: %w", err)
	}

	msg, err := mdndp.ParseMessage(buf[:readLen])
	if err != nil {
		// Non-NDP ICMPv6 traffic is expected on a raw socket.
		return nil, true, nil
	}

	if !match(msg) {
		return nil, true, nil
	}

	if control == nil {
		return nil, true, nil
	}

	ipSrc, ok := src.(*net.IPAddr)
	if !ok {
		return nil, false, fmt.Errorf("%w: %T", errUnexpectedSourceType, src)
	}

	return &Capture{
		Message:  msg,
		Source:   ipSrc,
		HopLimit: control.HopLimit,
		Received: time.Now(),
	}, false, nil
}

func MustRouterAdvertisement(ctx context.Context, t *testing.T, ns netns.NsHandle) *Capture {
	t.Helper()
	capture, err := waitForMessage(ctx, ns, func(msg mdndp.Message) bool {
		_, ok := msg.(*mdndp.RouterAdvertisement)

		return ok
	})
	require.NoError(t, err, "router advertisement not received")
	require.NotNil(t, capture, "router advertisement capture missing")

	return capture
}

func MustRouterSolicitation(ctx context.Context, t *testing.T, ns netns.NsHandle) *Capture {
	t.Helper()
	capture, err := waitForMessage(ctx, ns, func(msg mdndp.Message) bool {
		_, ok := msg.(*mdndp.RouterSolicitation)

		return ok
	})
	require.NoError(t, err, "router solicitation not received")
	require.NotNil(t, capture, "router solicitation capture missing")

	return capture
}

// SendRouterSolicitation emits one solicitation to all-routers from inside
// the namespace.
func SendRouterSolicitation(ns netns.NsHandle, ifName string) error {
	return WithNetNS(ns, func() error {
		conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
		if err != nil {
			return fmt.Errorf("listen icmpv6: %w", err)
		}
		defer conn.Close()

		packetConn := conn.IPv6PacketConn()
		if packetConn == nil {
			return errIPv6PacketConnMissing
		}

		_ = packetConn.SetChecksum(true, icmpChecksumOffset)

		ifc, err := net.InterfaceByName(ifName)
		if err != nil {
			return fmt.Errorf("interface lookup: %w", err)
		}

		if err := packetConn.SetMulticastInterface(ifc); err != nil {
			return fmt.Errorf("set multicast iface: %w", err)
		}
		if err := packetConn.SetMulticastHopLimit(ndpHopLimit); err != nil {
			return fmt.Errorf("set hop limit: %w", err)
		}

		payload, err := mdndp.MarshalMessage(&mdndp.RouterSolicitation{})
		if err != nil {
			return fmt.Errorf("marshal router solicitation: %w", err)
		}

		dst := &net.IPAddr{IP: net.ParseIP("ff02::2"), Zone: ifc.Name}
		if _, err := packetConn.WriteTo(payload, &ipv6.ControlMessage{HopLimit: ndpHopLimit}, dst); err != nil {
			return fmt.Errorf("send router solicitation: %w", err)
		}

		return nil
	})
}

func ValidateRouterAdvertisement(t *testing.T, capture *Capture, expectManaged, expectOther bool) *mdndp.RouterAdvertisement {
	t.Helper()
	require.Equal(t, ndpHopLimit, capture.HopLimit, "unexpected RA hop limit")
	require.NotNil(t, capture.Source, "router advertisement source missing")
	assert.True(t, capture.Source.IP.IsLinkLocalUnicast(), "router advertisement source not link-local: %+v", capture.Source)

	adv, ok := capture.Message.(*mdndp.RouterAdvertisement)
	require.True(t, ok, "captured message is not a router advertisement")
	assert.Equal(t, expectManaged, adv.ManagedConfiguration, "managed flag mismatch")
	assert.Equal(t, expectOther, adv.OtherConfiguration, "other-config flag mismatch")

	return adv
}
