//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED off a unix domain socket, the ambient
// identity the EXTERNAL mechanism trusts without any wire-level proof.
func peerCredentials(conn net.Conn) (Credentials, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, false
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return Credentials{}, false
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || sockErr != nil || ucred == nil {
		return Credentials{}, false
	}

	return Credentials{PID: int64(ucred.Pid), UID: int64(ucred.Uid), GID: int64(ucred.Gid)}, true
}
