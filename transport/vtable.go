package transport

import "github.com/lumenbus/bus/internal/reactor"

// Backend is the vtable a concrete I/O strategy implements: it owns the
// real file descriptor/handle and is the only thing that ever touches it.
// Transport drives it; the reverse never happens except through the
// back-reference a backend keeps to its embedding *Transport.
type Backend interface {
	// Finalize releases backend-owned resources, then must call
	// Transport.FinalizeBase.
	Finalize()

	// HandleWatch processes one ready condition on one of this backend's
	// watches. Returns false only on an out-of-memory condition; the host
	// loop should retry.
	HandleWatch(w *reactor.Watch, condition reactor.Mask) bool

	// Disconnect closes the backend's underlying I/O resource. Called at
	// most once (Transport.Disconnect is idempotent above this).
	Disconnect()

	// ConnectionSet is called once, synchronously, from SetConnection,
	// with a transport ref held; returning false aborts the set.
	ConnectionSet() bool

	// DoIteration performs a single blocking (up to timeoutMS) iteration
	// of whatever I/O flags requests.
	DoIteration(flags IterationFlags, timeoutMS int)
}

// socketFDProvider is implemented by backends with a pollable descriptor.
// socketBackend implements it, and the autolaunch and Windows named-pipe
// factories both produce a socketBackend; on Windows it reports no fd.
type socketFDProvider interface {
	GetSocketFD() (int, bool)
}

// liveMessagesChangedHook is implemented by backends that need to react to
// a backpressure threshold crossing by enabling/disabling their read watch.
type liveMessagesChangedHook interface {
	LiveMessagesChanged()
}

func currentProcessCredentials() Credentials {
	return Credentials{PID: int64(processID()), UID: int64(processUID()), GID: int64(processGID())}
}
