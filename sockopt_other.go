//go:build !unix

package pirest

import "syscall"

// controlReuseAddr is a no-op on platforms without SO_REUSEADDR semantics
// worth setting explicitly.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
