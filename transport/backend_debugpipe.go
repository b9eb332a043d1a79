package transport

import (
	"net"
	"sync"

	"github.com/lumenbus/bus/internal/address"
)

// NewDebugPipePair returns two connected, already-SetConnection-ready
// transports wired to each other over an in-process net.Pipe, with no real
// socket involved. This is the backend spec.md §4.2 names as
// test-only: it lets transport_test.go exercise the full handshake, framing,
// and backpressure machinery without a listening socket, mirroring the
// teacher's own reliance on in-process pipes for daemon/client tests.
func NewDebugPipePair(serverGUID string) (server, client *Transport, err error) {
	a, b := net.Pipe()

	server, err = newSocketBackend(a, true, serverGUID, "")
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	// net.Pipe has no ancillary SO_PEERCRED data to read, unlike a real
	// unix domain socket; a debug pipe always joins two ends of the same
	// process, so seed EXTERNAL's trust with this process's own identity.
	server.SetPeerCredentials(currentProcessCredentials())

	client, err = newSocketBackend(b, false, "", "debug-pipe:guid="+serverGUID)
	if err != nil {
		server.Disconnect()
		return nil, nil, err
	}

	return server, client, nil
}

// debugPipeRegistry maps a "debug-pipe:name=..." address to the client end
// of a pair RegisterDebugPipe already built, so the opener's fourth factory
// (spec.md §4.2 item 4) can hand it out by name instead of dialing anything.
var debugPipeRegistry = struct {
	mu      sync.Mutex
	clients map[string]*Transport
}{clients: make(map[string]*Transport)}

// RegisterDebugPipe builds a debug-pipe pair via NewDebugPipePair and files
// its client end under name, to be claimed by a later Open("debug-pipe:name=...")
// call. It returns the server end, which the caller drives directly (this
// mirrors how a real listener hands an accepted connection to the host
// loop, except the "listener" here is just this registry). Registering the
// same name twice discards whichever client end nobody ever opened.
func RegisterDebugPipe(name, serverGUID string) (*Transport, error) {
	server, client, err := NewDebugPipePair(serverGUID)
	if err != nil {
		return nil, err
	}
	debugPipeRegistry.mu.Lock()
	debugPipeRegistry.clients[name] = client
	debugPipeRegistry.mu.Unlock()
	return server, nil
}

// openDebugPipe is the opener's fourth factory slot (spec.md §4.2 item 4):
// it recognizes only the "debug-pipe" method, and resolves entirely out of
// debugPipeRegistry rather than touching the network, so scenario 6's
// address falls through openSocket/openPlatformSpecific/openAutolaunch
// (all NotHandled for this method) before landing here.
func openDebugPipe(entry address.Entry, expectedGUID string) (*Transport, bool, error) {
	if entry.Method != "debug-pipe" {
		return nil, false, nil
	}
	name := entry.Value("name")

	debugPipeRegistry.mu.Lock()
	client, ok := debugPipeRegistry.clients[name]
	if ok {
		delete(debugPipeRegistry.clients, name)
	}
	debugPipeRegistry.mu.Unlock()

	if !ok {
		return nil, true, ErrDidNotConnect
	}
	if expectedGUID != "" {
		client.SetExpectedGUID(expectedGUID)
	}
	return client, true, nil
}
