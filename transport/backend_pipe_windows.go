//go:build windows

package transport

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/lumenbus/bus/internal/address"
)

// openPlatformSpecific is the "platform_specific" factory slot spec.md
// §4.2 names: on Windows it dials a named pipe, the same transport the
// teacher's common/socket/socket_windows.go used for the single
// well-known agent pipe, generalized here to any "npipe:path=..." address
// entry.
func openPlatformSpecific(entry address.Entry, expectedGUID string) (*Transport, bool, error) {
	if entry.Method != "npipe" {
		return nil, false, nil
	}
	path := entry.Value("path")
	if path == "" {
		return nil, false, nil
	}

	conn, err := winio.DialPipe(path, durationPtr(5*time.Second))
	if err != nil {
		return nil, true, ErrDidNotConnect
	}

	t, err := newSocketBackend(conn, false, "", entry.String())
	if err != nil {
		return nil, true, err
	}
	if expectedGUID != "" {
		t.SetExpectedGUID(expectedGUID)
	}
	return t, true, nil
}

// NewPipeServerTransport wraps a connection accepted from a
// winio.ListenPipe listener, used by cmd/busd on Windows.
func NewPipeServerTransport(conn net.Conn, serverGUID string) (*Transport, error) {
	return newSocketBackend(conn, true, serverGUID, "")
}

func durationPtr(d time.Duration) *time.Duration { return &d }
