//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package sockopt

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// SetReuse sets SO_REUSEADDR on fd. Windows has no SO_REUSEPORT equivalent;
// SO_REUSEADDR alone allows a retry bind to succeed against a socket in
// TIME_WAIT.
func SetReuse(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// SetFreeBind is a no-op on windows: IP_FREEBIND is a Linux-specific option.
func SetFreeBind(fd uintptr) error {
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
