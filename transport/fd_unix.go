//go:build !windows

package transport

import (
	"errors"
	"net"
	"syscall"
)

var errNoFD = errors.New("transport: backend exposes no pollable fd")

// socketFD extracts the numeric file descriptor behind a net.Conn, for
// GetSocketFD and for seeding a reactor.Watch with a stable identity.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errNoFD
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	ctrlErr := raw.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}
