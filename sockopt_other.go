//go:build !linux && !darwin

package socket

import (
	"syscall"

	"github.com/pkg/errors"
)

// ErrReusePortUnsupported is returned when SO_REUSEPORT is requested on a
// platform without it.
var ErrReusePortUnsupported = errors.New("SO_REUSEPORT not supported on this platform")

func controlReusePort(_, _ string, _ syscall.RawConn) error {
	return ErrReusePortUnsupported
}
