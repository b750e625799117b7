// Package ndp implements the host and router engines of the IPv6 Neighbor
// Discovery Protocol (RFC 4861/4862): neighbor cache with unreachability
// detection, duplicate address detection, router discovery, and router
// advertisement, driven by a single multiplexed timer space.
//
// The engines are single-threaded and run-to-completion: every entry point
// mutates per-device state synchronously and the caller serializes
// invocations. The package performs no locking of its own.
package ndp

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/mdlayher/ndp"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/sched"
)

// Core owns the NDP state of every device in the stack, keyed by device id.
type Core struct {
	log     *slog.Logger
	sched   sched.Scheduler
	rng     *rand.Rand
	devices map[device.ID]*State
}

// State is all NDP-related state for one device.
type State struct {
	id      device.ID
	binding device.Binding

	config       Configurations
	routerConfig RouterConfigurations

	neighbors      map[netip.Addr]*neighborEntry
	dad            map[netip.Addr]uint8
	defaultRouters map[netip.Addr]struct{}

	// onLinkPrefixes maps a discovered prefix to whether an invalidation
	// timer is armed for it; prefixes with infinite lifetime have none.
	onLinkPrefixes map[netip.Prefix]bool

	soliciting       bool
	solicitRemaining uint8
	advertising      bool

	baseReachableTime time.Duration
	reachableTime     time.Duration
	retransmitTimer   time.Duration
}

// Options captures optional dependencies for the Core.
type Options struct {
	Logger *slog.Logger
	Rand   *rand.Rand
}

func defaultOptions() Options {
	return Options{
		Logger: slog.New(slog.DiscardHandler).With("component", "ndp"),
		Rand:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// WithLogger sets the logger for the engines.
func WithLogger(logger *slog.Logger) func(*Options) {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithRand injects the randomness source used for timing jitter and
// reachable-time derivation (used in tests for determinism).
func WithRand(rng *rand.Rand) func(*Options) {
	return func(o *Options) {
		if rng != nil {
			o.Rand = rng
		}
	}
}

// New builds a Core scheduling its timers on scheduler. The scheduler's
// expiries must be routed back into HandleTimer by the caller.
func New(scheduler sched.Scheduler, opts ...func(*Options)) *Core {
	if scheduler == nil {
		panic("ndp: nil scheduler")
	}

	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return &Core{
		log:     cfg.Logger,
		sched:   scheduler,
		rng:     cfg.Rand,
		devices: make(map[device.ID]*State),
	}
}

// AddDevice registers a device with default configurations. Registering an
// id twice is a contract violation.
func (c *Core) AddDevice(id device.ID, binding device.Binding) {
	if binding == nil {
		panic(fmt.Sprintf("ndp: nil binding for %s", id))
	}

	if _, ok := c.devices[id]; ok {
		panic(fmt.Sprintf("ndp: %s already registered", id))
	}

	st := &State{
		id:                id,
		binding:           binding,
		config:            DefaultConfigurations(),
		routerConfig:      DefaultRouterConfigurations(),
		neighbors:         make(map[netip.Addr]*neighborEntry),
		dad:               make(map[netip.Addr]uint8),
		defaultRouters:    make(map[netip.Addr]struct{}),
		onLinkPrefixes:    make(map[netip.Prefix]bool),
		baseReachableTime: defaultBaseReachableTime,
		retransmitTimer:   defaultRetransmitTimer,
	}
	st.reachableTime = c.deriveReachableTime(st.baseReachableTime)

	c.devices[id] = st
}

// RemoveDevice tears down a device, cancelling every timer it owns.
// Removing an unknown id is a contract violation.
func (c *Core) RemoveDevice(id device.ID) {
	st := c.state(id)

	for addr, entry := range st.neighbors {
		if entry.state == nudIncomplete {
			c.sched.Cancel(sched.LinkResolutionTimer(id, addr))
		}
	}

	for addr := range st.dad {
		c.sched.Cancel(sched.DADTimer(id, addr))
	}

	for router := range st.defaultRouters {
		c.sched.Cancel(sched.RouterInvalidationTimer(id, router))
	}

	for prefix, hasTimer := range st.onLinkPrefixes {
		if hasTimer {
			c.sched.Cancel(sched.PrefixInvalidationTimer(id, prefix))
		}
	}

	if st.soliciting {
		c.sched.Cancel(sched.RouterSolicitationTimer(id))
	}

	if st.advertising {
		c.sched.Cancel(sched.RouterAdvertisementTimer(id))
	}

	delete(c.devices, id)
}

// Configurations returns the device's host-side configurations.
func (c *Core) Configurations(id device.ID) Configurations {
	return c.state(id).config
}

// SetConfigurations stores host-side configurations, clamping out-of-range
// values rather than rejecting them. The clamped retransmit interval
// becomes the operative one until an advertisement overrides it.
func (c *Core) SetConfigurations(id device.ID, config Configurations) {
	config.clamp()

	st := c.state(id)
	st.config = config
	st.retransmitTimer = config.RetransmitTimer
}

// RouterConfigurations returns the device's router-side configurations.
func (c *Core) RouterConfigurations(id device.ID) RouterConfigurations {
	return c.state(id).routerConfig.clone()
}

// SetRouterConfigurations validates and stores router-side configurations.
// On error the previous configuration is untouched. Raising MaxInterval
// pulls a DefaultLifetime that fell below it up to the new interval before
// validation.
func (c *Core) SetRouterConfigurations(id device.ID, config RouterConfigurations) error {
	st := c.state(id)

	config = config.clone()
	config.normalize()
	if err := config.validate(); err != nil {
		return err
	}

	st.routerConfig = config

	return nil
}

// HandleTimer routes an expiry to the owning engine. A timer referencing
// state that no longer exists is an internal-consistency fault: the engines
// cancel timers whenever they drop the state a timer refers to.
func (c *Core) HandleTimer(id sched.TimerID) {
	st, ok := c.devices[id.Device]
	if !ok {
		panic(fmt.Sprintf("ndp: timer %s fired for unknown device", id))
	}

	switch id.Kind {
	case sched.KindLinkResolution:
		c.handleLinkResolutionTimer(st, id.Addr)
	case sched.KindDAD:
		c.handleDADTimer(st, id.Addr)
	case sched.KindRouterSolicitation:
		c.handleRouterSolicitationTimer(st)
	case sched.KindRouterAdvertisement:
		c.handleRouterAdvertisementTimer(st)
	case sched.KindRouterInvalidation:
		c.invalidateDefaultRouter(st, id.Addr, true)
	case sched.KindPrefixInvalidation:
		c.invalidateOnLinkPrefix(st, id.Prefix, true)
	default:
		panic(fmt.Sprintf("ndp: timer %s has unknown kind", id))
	}
}

// HandleMessage is the inbound entry point for decoded NDP messages. src
// and dst are the IP source and destination of the carrying packet.
// Redirects are accepted but not acted upon.
func (c *Core) HandleMessage(id device.ID, src, dst netip.Addr, msg ndp.Message) {
	st := c.state(id)

	switch m := msg.(type) {
	case *ndp.NeighborSolicitation:
		c.handleNeighborSolicitation(st, src, m)
	case *ndp.NeighborAdvertisement:
		c.handleNeighborAdvertisement(st, m)
	case *ndp.RouterSolicitation:
		c.handleRouterSolicitation(st, src, m)
	case *ndp.RouterAdvertisement:
		c.handleRouterAdvertisement(st, src, m)
	case *ndp.Redirect:
		c.log.Debug("ignoring redirect", "device", id, "src", src, "target", m.TargetAddress)
	default:
		c.log.Debug("ignoring unknown ndp message", "device", id, "src", src, "dst", dst)
	}
}

// BaseReachableTime returns the device's base reachable time.
func (c *Core) BaseReachableTime(id device.ID) time.Duration {
	return c.state(id).baseReachableTime
}

// ReachableTime returns the randomized reachable time derived from the base
// value, uniformly distributed in [0.5*base, 1.5*base].
func (c *Core) ReachableTime(id device.ID) time.Duration {
	return c.state(id).reachableTime
}

// RetransmitTimer returns the interval between solicitation retransmits,
// as configured or learned from router advertisements.
func (c *Core) RetransmitTimer(id device.ID) time.Duration {
	return c.state(id).retransmitTimer
}

// DefaultRouters returns the discovered default routers.
func (c *Core) DefaultRouters(id device.ID) []netip.Addr {
	st := c.state(id)

	routers := make([]netip.Addr, 0, len(st.defaultRouters))
	for router := range st.defaultRouters {
		routers = append(routers, router)
	}

	return routers
}

// OnLinkPrefixes returns the discovered on-link prefixes.
func (c *Core) OnLinkPrefixes(id device.ID) []netip.Prefix {
	st := c.state(id)

	prefixes := make([]netip.Prefix, 0, len(st.onLinkPrefixes))
	for prefix := range st.onLinkPrefixes {
		prefixes = append(prefixes, prefix)
	}

	return prefixes
}

func (c *Core) state(id device.ID) *State {
	st, ok := c.devices[id]
	if !ok {
		panic(fmt.Sprintf("ndp: unknown device %s", id))
	}

	return st
}

// deriveReachableTime draws a reachable time uniformly from
// [0.5*base, 1.5*base] per RFC 4861 section 6.3.2.
func (c *Core) deriveReachableTime(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	low := base / 2
	span := base // (1.5 - 0.5) * base

	return low + time.Duration(c.rng.Int64N(int64(span)+1))
}

// jitter draws uniformly from [low, high].
func (c *Core) jitter(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}

	return low + time.Duration(c.rng.Int64N(int64(high-low)+1))
}

// sourceAddr picks the device's outbound source address, preferring an
// assigned link-local address. The invalid Addr means "no usable source":
// callers then send from the unspecified address without a
// source-link-layer-address option.
func sourceAddr(st *State) netip.Addr {
	var fallback netip.Addr

	for _, entry := range st.binding.Addrs() {
		if entry.State != device.AddressAssigned {
			continue
		}

		if entry.Addr.IsLinkLocalUnicast() {
			return entry.Addr
		}

		if !fallback.IsValid() {
			fallback = entry.Addr
		}
	}

	return fallback
}

// linkLocalAddr returns the device's assigned link-local address, if any.
func linkLocalAddr(st *State) netip.Addr {
	for _, entry := range st.binding.Addrs() {
		if entry.State == device.AddressAssigned && entry.Addr.IsLinkLocalUnicast() {
			return entry.Addr
		}
	}

	return netip.Addr{}
}

// sourceLinkLayerOption builds a source-link-layer-address option, or nil
// when the device has no link-layer address.
func sourceLinkLayerOption(st *State) ndp.Option {
	linkAddr := st.binding.LinkAddr()
	if !linkAddr.IsValid() {
		return nil
	}

	return &ndp.LinkLayerAddress{Direction: ndp.Source, Addr: linkAddr.HardwareAddr()}
}
