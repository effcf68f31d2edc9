//go:build unix

package pirest

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr sets SO_REUSEADDR on the about-to-listen socket so that a
// reopened server can bind the same endpoint immediately.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(
			int(fd),
			unix.SOL_SOCKET,
			unix.SO_REUSEADDR,
			1,
		)
	}); err != nil {
		return err
	}

	return serr
}
