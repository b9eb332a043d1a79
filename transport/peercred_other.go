//go:build !linux

package transport

import "net"

// peerCredentials has no portable equivalent outside Linux's SO_PEERCRED;
// non-Linux unix variants (BSD LOCAL_PEERCRED, Darwin) would need their own
// syscall, which this module doesn't wire up. On those platforms the server
// answers AUTH EXTERNAL with ERROR and the client moves on to its next
// mechanism (LUMEN_COOKIE by default).
func peerCredentials(conn net.Conn) (Credentials, bool) {
	return Credentials{}, false
}
