//go:build windows

package transport

import (
	"errors"
	"net"
)

var errNoFD = errors.New("transport: backend exposes no pollable fd on windows")

// socketFD has no portable analogue on Windows for the handles this
// module uses (named pipes); GetSocketFD reports unsupported there.
func socketFD(conn net.Conn) (int, error) {
	return -1, errNoFD
}
