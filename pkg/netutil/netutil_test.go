package netutil_test

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ndplab/ndpd/pkg/netutil"
)

func TestIsNoDeviceError(t *testing.T) {
	t.Parallel()

	assert.False(t, netutil.IsNoDeviceError(nil), "nil should not be ENODEV")
	assert.False(t, netutil.IsNoDeviceError(errors.New("boom")), "plain errors are not ENODEV")
	assert.False(t, netutil.IsNoDeviceError(&net.OpError{Err: syscall.EIO}), "unexpected positive result for EIO")
	assert.True(t, netutil.IsNoDeviceError(&net.OpError{Err: syscall.ENODEV}), "expected true for ENODEV")
	assert.True(t, netutil.IsNoDeviceError(fmt.Errorf("send frame: %w", &net.OpError{Err: syscall.ENODEV})),
		"wrapped op errors still match")
}
