// Package netutil holds small helpers shared by the socket-facing code.
package netutil

import (
	"errors"
	"net"
	"syscall"
)

// IsNoDeviceError reports whether err is a net.OpError wrapping ENODEV,
// which a raw socket returns after its interface disappears. Callers drop
// cached interface state and re-resolve on the next send.
func IsNoDeviceError(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}

	var errno syscall.Errno
	if !errors.As(opErr.Err, &errno) {
		return false
	}

	return errno == syscall.ENODEV
}
