package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	jsonparser "github.com/knadh/koanf/parsers/json"
	yamlparser "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ndplab/ndpd/pkg/ndp"
)

const (
	roleHost   = "host"
	roleRouter = "router"
)

var (
	// ErrAddressNotLinkLocal indicates a non-link-local address was provided where link-local is required.
	ErrAddressNotLinkLocal = errors.New("address must be IPv6 link-local")

	// ErrPrefixNotIPv6 signals that a value expected to be an IPv6 prefix was not.
	ErrPrefixNotIPv6 = errors.New("prefix must be IPv6")

	// ErrPrefixLinkLocal indicates a link-local prefix where a routable one is required.
	ErrPrefixLinkLocal = errors.New("link-local prefixes are not advertised")

	// ErrUnsupportedExtension indicates an unsupported configuration file extension.
	ErrUnsupportedExtension = errors.New("unsupported config extension")
)

type Config struct {
	// Interfaces lists the network interfaces the daemon manages.
	Interfaces []InterfaceConfig `json:"interfaces"`
}

type InterfaceConfig struct {
	// IfName is the interface name (e.g. "eth0").
	IfName string `json:"ifname"`

	// Role selects host or router operation; hosts solicit routers, routers
	// may advertise. Defaults to host.
	Role string `json:"role,omitempty"`

	// LinkLocal overrides the detected IPv6 link-local address.
	LinkLocal string `json:"link_local,omitempty"`

	// DADTransmits is the number of duplicate-address-detection probes per
	// tentative address. Zero disables DAD. Defaults to 1 when unset.
	DADTransmits *uint8 `json:"dad_transmits,omitempty"`

	// RouterSolicitations is the number of router solicitations sent on
	// bring-up. Zero disables soliciting. Defaults to the protocol maximum.
	RouterSolicitations *uint8 `json:"router_solicitations,omitempty"`

	// RetransmitTimer is the interval between solicitation retransmits.
	// Zero keeps the engine default; the engine clamps sub-millisecond
	// values back to it.
	RetransmitTimer time.Duration `json:"retransmit_timer,omitempty"`

	// Advertise configures router advertisements; ignored for hosts.
	Advertise *AdvertiseConfig `json:"advertise,omitempty"`
}

type AdvertiseConfig struct {
	// MaxInterval and MinInterval bound the delay between unsolicited
	// advertisements. Zero values take the protocol defaults.
	MaxInterval time.Duration `json:"max_interval,omitempty"`
	MinInterval time.Duration `json:"min_interval,omitempty"`

	// Managed and OtherConfig set the advertised M and O flags.
	Managed     bool `json:"managed,omitempty"`
	OtherConfig bool `json:"other_config,omitempty"`

	// LinkMTU, when non-zero, is advertised in an MTU option.
	LinkMTU uint32 `json:"link_mtu,omitempty"`

	// ReachableTime, RetransmitTimer, and HopLimit are advertised verbatim;
	// zero means "no opinion".
	ReachableTime   time.Duration `json:"reachable_time,omitempty"`
	RetransmitTimer time.Duration `json:"retransmit_timer,omitempty"`
	HopLimit        uint8         `json:"hop_limit,omitempty"`

	// DefaultLifetime is the advertised router lifetime; zero means the
	// router is not a candidate default router.
	DefaultLifetime *time.Duration `json:"default_lifetime,omitempty"`

	// Prefixes are advertised as prefix-information options.
	Prefixes []PrefixConfig `json:"prefixes,omitempty"`
}

type PrefixConfig struct {
	// Prefix is the advertised IPv6 prefix in CIDR form.
	Prefix string `json:"prefix"`

	// OnLink and Autonomous set the L and A flags. Both default to true.
	OnLink     *bool `json:"on_link,omitempty"`
	Autonomous *bool `json:"autonomous,omitempty"`

	// ValidLifetime and PreferredLifetime default to 30 days and 7 days.
	ValidLifetime     time.Duration `json:"valid_lifetime,omitempty"`
	PreferredLifetime time.Duration `json:"preferred_lifetime,omitempty"`
}

type ValidationError struct {
	// Issues holds the human-readable validation failures.
	Issues []string
}

func (v *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(v.Issues, "; ")
}

const (
	defaultValidLifetime     = 30 * 24 * time.Hour
	defaultPreferredLifetime = 7 * 24 * time.Hour
)

// Default returns a sample configuration that is safe to edit and load.
func Default() *Config {
	return &Config{
		Interfaces: []InterfaceConfig{
			{IfName: "eth0", Role: roleHost},
		},
	}
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yamlparser.Parser(), nil
	case ".json":
		return jsonparser.Parser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExtension, filepath.Ext(path))
	}
}

func Load(path string) (*Config, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}

	konf := koanf.New(".")
	if err := konf.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	cfg := &Config{}
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}

	if err := konf.UnmarshalWithConf("", cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults populates unset configuration fields with their defaults.
func (c *Config) ApplyDefaults() {
	for idx := range c.Interfaces {
		iface := &c.Interfaces[idx]

		if iface.Role == "" {
			iface.Role = roleHost
		}

		if iface.Advertise == nil {
			continue
		}

		defaults := ndp.DefaultRouterConfigurations()

		if iface.Advertise.MaxInterval == 0 {
			iface.Advertise.MaxInterval = defaults.MaxInterval
		}

		if iface.Advertise.MinInterval == 0 {
			iface.Advertise.MinInterval = defaults.MinInterval
		}

		if iface.Advertise.HopLimit == 0 {
			iface.Advertise.HopLimit = defaults.HopLimit
		}

		if iface.Advertise.DefaultLifetime == nil {
			lifetime := defaults.DefaultLifetime
			iface.Advertise.DefaultLifetime = &lifetime
		}

		for prefixIdx := range iface.Advertise.Prefixes {
			prefix := &iface.Advertise.Prefixes[prefixIdx]

			if prefix.ValidLifetime == 0 {
				prefix.ValidLifetime = defaultValidLifetime
			}

			if prefix.PreferredLifetime == 0 {
				prefix.PreferredLifetime = defaultPreferredLifetime
			}
		}
	}
}

func (c *Config) Validate() error {
	var issues []string

	if len(c.Interfaces) == 0 {
		issues = append(issues, "at least one interface is required")
	}

	seen := map[string]struct{}{}

	for idx, iface := range c.Interfaces {
		issues = append(issues, validateInterface(idx, iface)...)

		if iface.IfName == "" {
			continue
		}

		if _, ok := seen[iface.IfName]; ok {
			issues = append(issues, fmt.Sprintf("interfaces[%d] duplicate interface %q", idx, iface.IfName))
		}

		seen[iface.IfName] = struct{}{}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	return nil
}

func validateInterface(idx int, iface InterfaceConfig) []string {
	var issues []string

	if iface.IfName == "" {
		issues = append(issues, fmt.Sprintf("interfaces[%d].ifname is required", idx))
	}

	switch iface.Role {
	case "", roleHost, roleRouter:
	default:
		issues = append(issues, fmt.Sprintf("interfaces[%d].role %q is invalid", idx, iface.Role))
	}

	if err := validateLinkLocal(iface.LinkLocal); err != nil {
		issues = append(issues, fmt.Sprintf("interfaces[%d].link_local: %v", idx, err))
	}

	if iface.Advertise != nil && iface.Role != roleRouter {
		issues = append(issues, fmt.Sprintf("interfaces[%d]: advertise requires role \"router\"", idx))
	}

	if iface.Advertise != nil {
		issues = append(issues, validateAdvertise(idx, *iface.Advertise)...)
	}

	return issues
}

// validateAdvertise checks the fields the engine itself does not cover:
// prefix syntax. Interval and lifetime bounds are enforced by the engine
// when the configuration is applied, and reported through the same
// ValidationError shape.
func validateAdvertise(idx int, adv AdvertiseConfig) []string {
	var issues []string

	for prefixIdx, prefix := range adv.Prefixes {
		parsed, err := netip.ParsePrefix(prefix.Prefix)
		if err != nil {
			issues = append(issues, fmt.Sprintf("interfaces[%d].advertise.prefixes[%d]: %v", idx, prefixIdx, err))

			continue
		}

		if !parsed.Addr().Is6() || parsed.Addr().Is4In6() {
			issues = append(issues, fmt.Sprintf("interfaces[%d].advertise.prefixes[%d]: %v", idx, prefixIdx, ErrPrefixNotIPv6))
		}

		if parsed.Addr().IsLinkLocalUnicast() {
			issues = append(issues, fmt.Sprintf("interfaces[%d].advertise.prefixes[%d]: %v", idx, prefixIdx, ErrPrefixLinkLocal))
		}
	}

	return issues
}

func validateLinkLocal(value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	addr, err := netip.ParseAddr(value)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	if !addr.Is6() || !addr.IsLinkLocalUnicast() {
		return ErrAddressNotLinkLocal
	}

	return nil
}

// IsRouter reports whether the interface operates as a router.
func (c InterfaceConfig) IsRouter() bool {
	return c.Role == roleRouter
}

// HostConfigurations maps the interface settings onto the engine's
// host-side tunables.
func (c InterfaceConfig) HostConfigurations() ndp.Configurations {
	cfg := ndp.DefaultConfigurations()

	if c.DADTransmits != nil {
		cfg.DupAddrDetectTransmits = *c.DADTransmits
	}

	if c.RouterSolicitations != nil {
		cfg.MaxRtrSolicitations = *c.RouterSolicitations
	}

	if c.RetransmitTimer != 0 {
		cfg.RetransmitTimer = c.RetransmitTimer
	}

	return cfg
}

// RouterConfigurations maps the advertise settings onto the engine's
// router-side tunables. Returns the defaults with advertising disabled
// when no advertise section is present.
func (c InterfaceConfig) RouterConfigurations() ndp.RouterConfigurations {
	cfg := ndp.DefaultRouterConfigurations()
	if c.Advertise == nil {
		return cfg
	}

	adv := c.Advertise

	cfg.SendAdvertisements = true
	cfg.MaxInterval = adv.MaxInterval
	cfg.MinInterval = adv.MinInterval
	cfg.Managed = adv.Managed
	cfg.OtherConfig = adv.OtherConfig
	cfg.LinkMTU = adv.LinkMTU
	cfg.ReachableTime = adv.ReachableTime
	cfg.RetransmitTimer = adv.RetransmitTimer
	cfg.HopLimit = adv.HopLimit

	if adv.DefaultLifetime != nil {
		cfg.DefaultLifetime = *adv.DefaultLifetime
	}

	for _, prefix := range adv.Prefixes {
		parsed, err := netip.ParsePrefix(prefix.Prefix)
		if err != nil {
			// Validate rejects unparsable prefixes before this point.
			continue
		}

		cfg.Prefixes = append(cfg.Prefixes, ndp.PrefixConfiguration{
			Prefix:            parsed,
			OnLink:            boolOr(prefix.OnLink, true),
			Autonomous:        boolOr(prefix.Autonomous, true),
			ValidLifetime:     prefix.ValidLifetime,
			PreferredLifetime: prefix.PreferredLifetime,
		})
	}

	return cfg
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}

	return *v
}

func BoolPtr(v bool) *bool {
	return &v
}
