package transport

import (
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/lumenbus/bus/internal/address"
	"github.com/lumenbus/bus/internal/buspath"
)

// autolaunchDialTimeout bounds how long the autolaunch factory waits for a
// freshly spawned daemon to start accepting, mirroring the teacher's
// socket_unix.go dial-then-spawn-then-retry loop for its single
// well-known agent socket.
const autolaunchDialTimeout = 2 * time.Second

// openAutolaunch is the "autolaunch:" factory: it tries the well-known
// per-user session socket, and if nothing is listening, spawns the daemon
// binary named by the LUMEN_BUS_DAEMON_PATH environment variable (falling
// back to "busd" on $PATH) and retries the dial before giving up.
func openAutolaunch(entry address.Entry, expectedGUID string) (*Transport, bool, error) {
	if entry.Method != "autolaunch" {
		return nil, false, nil
	}

	path, err := buspath.File(buspath.SessionSocketName)
	if err != nil {
		return nil, true, ErrDidNotConnect
	}

	conn, dialErr := net.DialTimeout("unix", path, autolaunchDialTimeout)
	if dialErr != nil {
		if spawnErr := spawnDaemon(); spawnErr != nil {
			return nil, true, ErrDidNotConnect
		}
		conn, dialErr = waitForDial(path)
		if dialErr != nil {
			return nil, true, ErrDidNotConnect
		}
	}

	t, err := newSocketBackend(conn, false, "", "autolaunch:")
	if err != nil {
		return nil, true, err
	}
	if expectedGUID != "" {
		t.SetExpectedGUID(expectedGUID)
	}
	return t, true, nil
}

func spawnDaemon() error {
	bin := os.Getenv("LUMEN_BUS_DAEMON_PATH")
	if bin == "" {
		bin = "busd"
	}
	cmd := exec.Command(bin)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

func waitForDial(path string) (net.Conn, error) {
	deadline := time.Now().Add(autolaunchDialTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, lastErr
}
