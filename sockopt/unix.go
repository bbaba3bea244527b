//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SetReuse sets SO_REUSEADDR and, where supported, SO_REUSEPORT on fd,
// allowing a retry bind to succeed against a socket in TIME_WAIT or another
// listener sharing the port.
func SetReuse(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// SetFreeBind sets IP_FREEBIND on fd, allowing a bind to an address that is
// not yet assigned to any local interface.
func SetFreeBind(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_FREEBIND, 1); err != nil {
		return err
	}
	return nil
}

// Control adapts a sockopt-applying function to [net.ListenConfig.Control]'s
// signature.
func Control(apply func(fd uintptr) error) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var applyErr error
		err := c.Control(func(fd uintptr) {
			applyErr = apply(fd)
		})
		if err != nil {
			return err
		}
		return applyErr
	}
}
