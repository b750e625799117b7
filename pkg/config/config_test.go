package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndplab/ndpd/pkg/config"
	"github.com/ndplab/ndpd/pkg/ndp"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "ndpd.yaml", `
interfaces:
  - ifname: eth0
    dad_transmits: 2
  - ifname: eth1
    role: router
    advertise:
      max_interval: 60s
      min_interval: 20s
      managed: true
      link_mtu: 1500
      hop_limit: 64
      default_lifetime: 180s
      prefixes:
        - prefix: 2001:db8:1::/64
`)

	cfg, err := config.Load(path)
	require.NoError(t, err, "load yaml config")
	require.Len(t, cfg.Interfaces, 2)

	host := cfg.Interfaces[0]
	assert.False(t, host.IsRouter())

	hostCfg := host.HostConfigurations()
	assert.Equal(t, uint8(2), hostCfg.DupAddrDetectTransmits)
	assert.Equal(t, uint8(3), hostCfg.MaxRtrSolicitations, "unset solicitations take the default")

	router := cfg.Interfaces[1]
	assert.True(t, router.IsRouter())

	routerCfg := router.RouterConfigurations()
	assert.True(t, routerCfg.SendAdvertisements)
	assert.Equal(t, 60*time.Second, routerCfg.MaxInterval)
	assert.Equal(t, 20*time.Second, routerCfg.MinInterval)
	assert.True(t, routerCfg.Managed)
	assert.Equal(t, uint32(1500), routerCfg.LinkMTU)
	assert.Equal(t, 180*time.Second, routerCfg.DefaultLifetime)
	require.Len(t, routerCfg.Prefixes, 1)
	assert.True(t, routerCfg.Prefixes[0].OnLink, "on_link defaults to true")
	assert.True(t, routerCfg.Prefixes[0].Autonomous, "autonomous defaults to true")
	assert.NotZero(t, routerCfg.Prefixes[0].ValidLifetime, "valid lifetime gets a default")
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "ndpd.json", `{"interfaces": [{"ifname": "eth0"}]}`)

	cfg, err := config.Load(path)
	require.NoError(t, err, "load json config")
	require.Len(t, cfg.Interfaces, 1)
	assert.Equal(t, "eth0", cfg.Interfaces[0].IfName)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "ndpd.toml", "interfaces = []")

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrUnsupportedExtension)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "ndpd.yaml", `
interfaces:
  - ifname: eth0
    bogus_key: true
`)

	_, err := config.Load(path)
	require.Error(t, err, "unknown keys are configuration mistakes")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "no interfaces",
			cfg:  config.Config{},
			want: "at least one interface",
		},
		{
			name: "missing ifname",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{{}},
			},
			want: "ifname is required",
		},
		{
			name: "duplicate interface",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{
					{IfName: "eth0"},
					{IfName: "eth0"},
				},
			},
			want: "duplicate interface",
		},
		{
			name: "invalid role",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{{IfName: "eth0", Role: "bridge"}},
			},
			want: "role",
		},
		{
			name: "advertise on host",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{
					{IfName: "eth0", Role: "host", Advertise: &config.AdvertiseConfig{}},
				},
			},
			want: `advertise requires role "router"`,
		},
		{
			name: "non-link-local override",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{
					{IfName: "eth0", LinkLocal: "2001:db8::1"},
				},
			},
			want: "link-local",
		},
		{
			name: "bad prefix",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{
					{
						IfName: "eth0",
						Role:   "router",
						Advertise: &config.AdvertiseConfig{
							Prefixes: []config.PrefixConfig{{Prefix: "not-a-prefix"}},
						},
					},
				},
			},
			want: "prefixes[0]",
		},
		{
			name: "link-local prefix",
			cfg: config.Config{
				Interfaces: []config.InterfaceConfig{
					{
						IfName: "eth0",
						Role:   "router",
						Advertise: &config.AdvertiseConfig{
							Prefixes: []config.PrefixConfig{{Prefix: "fe80::/64"}},
						},
					},
				},
			},
			want: "link-local",
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), testCase.want)
		})
	}
}

func TestValidConfigPasses(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Interfaces: []config.InterfaceConfig{
			{IfName: "eth0", Role: "host", LinkLocal: "fe80::1"},
			{IfName: "eth1", Role: "router", Advertise: &config.AdvertiseConfig{}},
		},
	}

	assert.NoError(t, cfg.Validate())
}

func TestHostConfigurationsDisableDAD(t *testing.T) {
	t.Parallel()

	iface := config.InterfaceConfig{
		IfName:              "eth0",
		DADTransmits:        uint8Ptr(0),
		RouterSolicitations: uint8Ptr(0),
	}

	cfg := iface.HostConfigurations()
	assert.Zero(t, cfg.DupAddrDetectTransmits, "explicit zero disables DAD")
	assert.Zero(t, cfg.MaxRtrSolicitations, "explicit zero disables soliciting")
}

func TestHostConfigurationsRetransmitTimer(t *testing.T) {
	t.Parallel()

	iface := config.InterfaceConfig{IfName: "eth0"}
	assert.Equal(t, ndp.DefaultConfigurations().RetransmitTimer, iface.HostConfigurations().RetransmitTimer,
		"unset retransmit timer keeps the engine default")

	iface.RetransmitTimer = 250 * time.Millisecond
	assert.Equal(t, 250*time.Millisecond, iface.HostConfigurations().RetransmitTimer)
}

func TestRouterConfigurationsWithoutAdvertise(t *testing.T) {
	t.Parallel()

	iface := config.InterfaceConfig{IfName: "eth0"}

	cfg := iface.RouterConfigurations()
	assert.False(t, cfg.SendAdvertisements)
	assert.Equal(t, ndp.DefaultRouterConfigurations().MaxInterval, cfg.MaxInterval)
}

func uint8Ptr(v uint8) *uint8 {
	return &v
}
