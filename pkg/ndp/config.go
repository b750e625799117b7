package ndp

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol constants from RFC 4861 sections 6.2.1, 6.3.7, and 10.
const (
	// MaxMulticastSolicit is the number of neighbor solicitations sent
	// while resolving an address before resolution is abandoned.
	MaxMulticastSolicit = 3

	// MaxRtrSolicitations is the protocol maximum for host router
	// solicitations sent on link bring-up.
	MaxRtrSolicitations = 3

	// RtrSolicitationInterval separates consecutive router solicitations.
	RtrSolicitationInterval = 4 * time.Second

	// MaxRtrSolicitationDelay bounds the random delay before the first
	// router solicitation.
	MaxRtrSolicitationDelay = time.Second

	// MinRouterAdvertInterval / MaxRouterAdvertInterval bound the
	// configured advertisement interval for advertising interfaces.
	MinRouterAdvertInterval = 4 * time.Second
	MaxRouterAdvertInterval = 1800 * time.Second

	// AbsMinRouterAdvertInterval is the smallest permitted MinInterval.
	AbsMinRouterAdvertInterval = 3 * time.Second

	// MaxDefaultRouterLifetime caps the advertised router lifetime.
	MaxDefaultRouterLifetime = 9000 * time.Second

	// minIPv6MTU is the protocol minimum link MTU; RA MTU options below
	// it are ignored.
	minIPv6MTU = 1280

	defaultRetransmitTimer   = time.Second
	minimumRetransmitTimer   = time.Millisecond
	defaultBaseReachableTime = 30 * time.Second
	defaultHopLimit          = 64

	// minIntervalMaxFraction: MinInterval may not exceed 0.75*MaxInterval.
	minIntervalMaxNumerator   = 3
	minIntervalMaxDenominator = 4
)

// Configurations are the per-device host-side NDP tunables. Values are
// clamped on write and never left in a protocol-violating state.
type Configurations struct {
	// DupAddrDetectTransmits is the number of DAD probes sent for a
	// tentative address. Zero disables DAD entirely: addresses are
	// confirmed unique without probing.
	DupAddrDetectTransmits uint8

	// MaxRtrSolicitations is the number of router solicitations sent when
	// soliciting starts. Zero disables soliciting; values above the
	// protocol maximum are clamped down to it.
	MaxRtrSolicitations uint8

	// RetransmitTimer is the interval between solicitation retransmits
	// (resolution retries and DAD probes). Values below one millisecond
	// fall back to the one-second default. Router advertisements may later
	// overwrite the operative value.
	RetransmitTimer time.Duration
}

// DefaultConfigurations returns the host defaults: one DAD transmit
// (RFC 4862 section 5.1), the protocol-maximum solicitation count, and the
// one-second retransmit interval.
func DefaultConfigurations() Configurations {
	return Configurations{
		DupAddrDetectTransmits: 1,
		MaxRtrSolicitations:    MaxRtrSolicitations,
		RetransmitTimer:        defaultRetransmitTimer,
	}
}

func (c *Configurations) clamp() {
	if c.MaxRtrSolicitations > MaxRtrSolicitations {
		c.MaxRtrSolicitations = MaxRtrSolicitations
	}

	if c.RetransmitTimer < minimumRetransmitTimer {
		c.RetransmitTimer = defaultRetransmitTimer
	}
}

// PrefixConfiguration is one prefix-information option an advertising
// interface includes in its router advertisements.
type PrefixConfiguration struct {
	Prefix            netip.Prefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

// RouterConfigurations are the parameters used only when a device operates
// as an advertising router.
type RouterConfigurations struct {
	// SendAdvertisements gates the router advertisement engine.
	SendAdvertisements bool

	// MaxInterval and MinInterval bound the jittered delay between
	// unsolicited advertisements.
	MaxInterval time.Duration
	MinInterval time.Duration

	// Managed and OtherConfig are the RA M/O flags.
	Managed     bool
	OtherConfig bool

	// LinkMTU, when non-zero, is advertised in an MTU option.
	LinkMTU uint32

	// ReachableTime and RetransmitTimer are advertised verbatim; zero
	// means "no opinion".
	ReachableTime   time.Duration
	RetransmitTimer time.Duration

	// HopLimit is the advertised current hop limit; zero means "no
	// opinion".
	HopLimit uint8

	// DefaultLifetime is the advertised router lifetime. Zero means the
	// device is not a candidate default router; otherwise it must lie in
	// [MaxInterval, MaxDefaultRouterLifetime].
	DefaultLifetime time.Duration

	// Prefixes are advertised as prefix-information options.
	Prefixes []PrefixConfiguration
}

// DefaultRouterConfigurations returns the RFC 4861 section 6.2.1 defaults:
// advertising disabled, 600s/200s intervals, a default lifetime of three
// times the maximum interval.
func DefaultRouterConfigurations() RouterConfigurations {
	return RouterConfigurations{
		MaxInterval:     600 * time.Second,
		MinInterval:     200 * time.Second,
		HopLimit:        defaultHopLimit,
		DefaultLifetime: 1800 * time.Second,
	}
}

// ValidationError reports every issue found while validating router
// configurations; the previous configuration is left untouched.
type ValidationError struct {
	Issues []string
}

func (v *ValidationError) Error() string {
	return "invalid router configuration: " + strings.Join(v.Issues, "; ")
}

// normalize applies the lifetime pull-up rule: raising MaxInterval drags a
// non-zero DefaultLifetime that fell below it up to the new interval.
func (rc *RouterConfigurations) normalize() {
	if rc.DefaultLifetime != 0 && rc.DefaultLifetime < rc.MaxInterval {
		rc.DefaultLifetime = rc.MaxInterval
	}
}

func (rc *RouterConfigurations) validate() error {
	var issues []string

	if rc.MaxInterval < MinRouterAdvertInterval || rc.MaxInterval > MaxRouterAdvertInterval {
		issues = append(issues, fmt.Sprintf(
			"max interval %s outside [%s, %s]",
			rc.MaxInterval, MinRouterAdvertInterval, MaxRouterAdvertInterval,
		))
	}

	maxAllowedMin := rc.MaxInterval * minIntervalMaxNumerator / minIntervalMaxDenominator
	if rc.MinInterval < AbsMinRouterAdvertInterval || rc.MinInterval > maxAllowedMin {
		issues = append(issues, fmt.Sprintf(
			"min interval %s outside [%s, 0.75*max (%s)]",
			rc.MinInterval, AbsMinRouterAdvertInterval, maxAllowedMin,
		))
	}

	if rc.DefaultLifetime != 0 &&
		(rc.DefaultLifetime < rc.MaxInterval || rc.DefaultLifetime > MaxDefaultRouterLifetime) {
		issues = append(issues, fmt.Sprintf(
			"default lifetime %s outside {0} and [max interval (%s), %s]",
			rc.DefaultLifetime, rc.MaxInterval, MaxDefaultRouterLifetime,
		))
	}

	for idx, prefix := range rc.Prefixes {
		if !prefix.Prefix.IsValid() {
			issues = append(issues, fmt.Sprintf("prefixes[%d]: invalid prefix", idx))

			continue
		}

		if !prefix.Prefix.Addr().Is6() || prefix.Prefix.Addr().Is4In6() {
			issues = append(issues, fmt.Sprintf("prefixes[%d]: prefix must be IPv6", idx))
		}

		if prefix.Prefix.Addr().IsLinkLocalUnicast() {
			issues = append(issues, fmt.Sprintf("prefixes[%d]: link-local prefixes are not advertised", idx))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	return nil
}

// clone deep-copies the prefix list so callers cannot mutate stored state.
func (rc RouterConfigurations) clone() RouterConfigurations {
	cloned := rc
	cloned.Prefixes = append([]PrefixConfiguration(nil), rc.Prefixes...)

	return cloned
}
