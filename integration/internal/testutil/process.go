//go:build linux

package testutil

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	gont "cunicu.li/gont/v2/pkg"
	gc "cunicu.li/gont/v2/pkg/options/cmd"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/ndplab/ndpd/pkg/config"
)

const (
	advertiseMaxInterval = 4 * time.Second
	advertiseMinInterval = 3 * time.Second
	cfgFilePerm          = 0o600
)

// RouterConfig configures one advertising router interface with a single
// on-link, autonomous prefix. Short intervals keep the tests fast.
func RouterConfig(prefix string) *config.Config {
	return &config.Config{
		Interfaces: []config.InterfaceConfig{{
			IfName: "eth0",
			Role:   "router",
			Advertise: &config.AdvertiseConfig{
				MaxInterval: advertiseMaxInterval,
				MinInterval: advertiseMinInterval,
				Managed:     true,
				Prefixes:    []config.PrefixConfig{{Prefix: prefix}},
			},
		}},
	}
}

// HostConfig configures one soliciting host interface.
func HostConfig() *config.Config {
	return &config.Config{
		Interfaces: []config.InterfaceConfig{{
			IfName: "eth0",
			Role:   "host",
		}},
	}
}

func BuildNdpdBinary(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "ndpd-bin")
	root := os.Getenv("NDPD_ROOT")
	if root == "" {
		wd, err := os.Getwd()
		require.NoError(t, err, "get working dir")
		root = filepath.Clean(filepath.Join(wd, ".."))
	}
	cmd := exec.CommandContext(t.Context(), "go", "build", "-o", binPath, "./cmd/ndpd")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build ndpd: %v\n%s", err, output)
	}

	return binPath
}

func WriteIntegrationConfigFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	cfgBytes, err := yaml.Marshal(cfg)
	require.NoError(t, err, "marshal integration config")

	path := filepath.Join(t.TempDir(), "ndpd.yaml")
	require.NoError(t, os.WriteFile(path, cfgBytes, cfgFilePerm), "write integration config file")

	return path
}

func StartNdpdProcess(t *testing.T, host *gont.Host, binPath, cfgPath string) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())

	var combined bytes.Buffer
	cmd := host.Command(
		binPath,
		"--config", cfgPath,
		"--log-level", "debug",
		gc.Context{Context: ctx},
		gc.Combined(&combined),
	)

	require.NoErrorf(t, cmd.Start(), "start ndpd process. logs:\n%s", combined.String())

	var waitErr error
	done := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	go func() {
		select {
		case <-done:
			if waitErr != nil && ctx.Err() == nil {
				t.Errorf("ndpd exited early: %v\nlogs:\n%s", waitErr, combined.String())
			}
		case <-ctx.Done():
		}
	}()

	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			<-done
		}

		if waitErr != nil && ctx.Err() == nil {
			t.Logf("ndpd exited: %v\n%s", waitErr, combined.String())
		}

		if t.Failed() {
			t.Logf("ndpd logs:\n%s", combined.String())
		}
	})

	return cancel
}
