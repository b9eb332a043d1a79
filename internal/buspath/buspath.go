// Package buspath locates the per-user directory the bus daemon's sockets
// and machine identity live in, adapted from the teacher's common/socket
// helpers (KrDir/KrDirFile) which did the same job for a single
// well-known daemon socket.
package buspath

import (
	"os"
	"os/user"
	"path/filepath"
)

const dirName = ".lumenbus"

// Dir returns (creating if necessary) the per-user bus directory.
func Dir() (string, error) {
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// File returns the path to name inside the bus directory.
func File(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func homeDir() (string, error) {
	// $HOME wins over the passwd-database lookup so a sudo'd or
	// containerized invocation (and tests) can redirect the bus directory
	// without fighting the real account's entry, matching the teacher's own
	// UnsudoedHomeDir preference for an explicit environment override.
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir, nil
	}
	return "", os.ErrNotExist
}

// SessionSocketName is the default listen socket for the "session"-scoped
// bus, the default target of the autolaunch backend.
const SessionSocketName = "session_bus_socket"
