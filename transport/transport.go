// Package transport is the stateful pipeline between one bus endpoint and
// its peer: it negotiates the auth handshake, frames bytes into messages,
// applies backpressure, and exposes a reactor-friendly surface so a host
// event loop can drive I/O without owning transport internals.
//
// The hard engineering — handshake/streaming transition, dispatch status,
// refcount and lifecycle — lives in Transport itself; OS I/O is delegated
// to a Backend (see vtable.go), wire framing to internal/wire, and the
// SASL-like handshake to internal/auth.
package transport

import (
	"errors"
	"sync"

	"github.com/lumenbus/bus/internal/auth"
	"github.com/lumenbus/bus/internal/counter"
	"github.com/lumenbus/bus/internal/faultinject"
	"github.com/lumenbus/bus/internal/reactor"
	"github.com/lumenbus/bus/internal/wire"
)

// Sentinel errors for the taxonomy in spec.md §7. Only AuthFailure and
// ProtocolCorruption cause a disconnect; the others are always recoverable
// by the caller.
var (
	ErrNoMemory        = errors.New("transport: out of memory")
	ErrBadAddress      = errors.New("transport: bad address")
	ErrDidNotConnect   = errors.New("transport: address understood but peer unreachable")
	ErrAuthFailure     = auth.ErrAuthFailure
	ErrProtocolCorrupt = wire.ErrCorrupted
	ErrDisconnected    = errors.New("transport: disconnected")
)

// DefaultMaxLiveMessagesSize is the backpressure high-water mark, 63 MiB
// per spec.md §3.
const DefaultMaxLiveMessagesSize = 63 * 1024 * 1024

// UnsetUID is written to *uid by GetUnixUser before any successful return,
// so a buggy caller that ignores the bool can't mistake zeroed memory for
// a privileged uid.
const UnsetUID int64 = 1<<31 - 1 // INT32_MAX

// UnsetPID is written to *pid by GetUnixProcessID on the same principle.
const UnsetPID int64 = -1

// IterationFlags selects what DoIteration should attempt.
type IterationFlags uint8

const (
	IterationRead IterationFlags = 1 << iota
	IterationWrite
)

// DispatchStatus is the transport's readiness to yield messages.
type DispatchStatus int

const (
	DispatchComplete DispatchStatus = iota
	DispatchDataRemains
	DispatchNeedMemory
)

func (d DispatchStatus) String() string {
	switch d {
	case DispatchComplete:
		return "COMPLETE"
	case DispatchDataRemains:
		return "DATA_REMAINS"
	case DispatchNeedMemory:
		return "NEED_MEMORY"
	default:
		return "UNKNOWN"
	}
}

// Credentials is {pid, uid, gid}; -1 in any field means unset.
type Credentials struct {
	PID, UID, GID int64
}

// UnsetCredentials is the zero-information value used before a backend
// establishes real ones.
var UnsetCredentials = Credentials{PID: -1, UID: -1, GID: -1}

// Connection is the owning collaborator's contract back into the
// transport: a non-owning reference, valid only while a connection-locked
// operation is in flight (spec.md §3, §9). Defined here (not imported from
// the conn package) so transport has no dependency on its own caller.
type Connection interface {
	Lock()
	Unlock()
	Ref()
	Unref()
	// QueueReceivedMessageLink takes ownership of link, appending it to the
	// connection's inbound queue.
	QueueReceivedMessageLink(link *wire.Link)
}

// UnixUserFunction is the application-supplied authorization predicate
// (server side). It is called without the connection lock held — see
// spec.md §9's documented hazard.
type UnixUserFunction func(conn Connection, uid int64, data interface{}) bool

// Transport is the stateful client/server pipeline described in spec.md
// §3. Exactly one concrete Backend drives its I/O.
type Transport struct {
	mu sync.Mutex

	refcount int32
	backend  Backend

	loader      *wire.Loader
	authSession *auth.Session
	liveBytes   *counter.Counter

	maxLiveMessagesSize int64

	connection Connection

	authenticated bool
	disconnected  bool
	isServer      bool

	sendCredentialsPending    bool
	receiveCredentialsPending bool

	address    string
	hasAddress bool

	expectedGUID    string
	hasExpectedGUID bool

	unixUserFunction   UnixUserFunction
	unixUserData       interface{}
	freeUnixUserData   func(interface{})

	credentials Credentials

	unusedBytesRecovered bool
}

// InitBase initializes the base class fields, chained up to by a backend
// constructor. Exactly one of serverGUID or clientAddress must be set
// (server versus client transport); see spec.md §4.1.
//
// On OutOfMemory (fault-injection only, in this Go port — see
// internal/faultinject) it returns a nil Transport and no resources are
// left partially constructed.
func InitBase(backend Backend, serverGUID string, isServer bool, clientAddress string) (*Transport, error) {
	if err := faultinject.Check("transport.InitBase"); err != nil {
		return nil, ErrNoMemory
	}

	t := &Transport{
		refcount:                  1,
		backend:                   backend,
		loader:                    wire.NewLoader(),
		maxLiveMessagesSize:       DefaultMaxLiveMessagesSize,
		isServer:                  isServer,
		sendCredentialsPending:    !isServer,
		receiveCredentialsPending: isServer,
		credentials:               UnsetCredentials,
	}

	if isServer {
		t.authSession = auth.NewServer(serverGUID)
	} else {
		t.authSession = auth.NewClient()
		t.address = clientAddress
		t.hasAddress = true
	}

	t.liveBytes = counter.New()
	t.liveBytes.SetNotify(t.maxLiveMessagesSize, func() {
		t.liveMessagesChangedNotify()
	})

	return t, nil
}

func (t *Transport) liveMessagesChangedNotify() {
	t.Ref()
	if hook, ok := t.backend.(liveMessagesChangedHook); ok {
		hook.LiveMessagesChanged()
	}
	t.Unref()
}

// FinalizeBase releases the base class's resources; a backend's Finalize
// must chain to this after releasing its own state.
func (t *Transport) FinalizeBase() {
	if !t.disconnected {
		t.Disconnect()
	}
	if t.freeUnixUserData != nil {
		t.freeUnixUserData(t.unixUserData)
	}
	t.liveBytes.SetNotify(0, nil)
	t.liveBytes.Unref()
}

// Ref increments the refcount and returns the transport for chaining.
func (t *Transport) Ref() *Transport {
	t.mu.Lock()
	t.refcount++
	t.mu.Unlock()
	return t
}

// Unref decrements the refcount, finalizing the transport via the
// backend's vtable when it reaches zero.
func (t *Transport) Unref() {
	t.mu.Lock()
	t.refcount--
	dead := t.refcount == 0
	t.mu.Unlock()
	if dead {
		t.backend.Finalize()
	}
}

// Disconnect is idempotent: only the first call invokes the backend's
// disconnect hook. After it returns, every I/O entry point short-circuits.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	t.mu.Unlock()

	t.backend.Disconnect()
}

// IsConnected reports whether Disconnect has not yet been called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disconnected
}

// Address returns the client-side address, or "" for a server transport.
func (t *Transport) Address() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address, t.hasAddress
}

func (t *Transport) setAddress(addr string) {
	t.mu.Lock()
	t.address = addr
	t.hasAddress = true
	t.mu.Unlock()
}

// ExpectedGUID returns the GUID the client expects the server to present,
// if one has been set (either by the opener from a "guid=" address
// parameter, or learned from the server's first successful handshake).
func (t *Transport) ExpectedGUID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expectedGUID, t.hasExpectedGUID
}

// SetExpectedGUID is used by the opener (spec.md §4.2) to capture a
// client-supplied "guid=" address parameter before the handshake runs.
func (t *Transport) SetExpectedGUID(guid string) {
	t.mu.Lock()
	t.expectedGUID = guid
	t.hasExpectedGUID = true
	t.mu.Unlock()
}

// SetAuthMechanisms forwards the allowed mechanism list to the Auth
// collaborator; the list is not retained beyond this call (auth.Session
// takes its own copy immediately — see internal/auth's SetMechanisms
// docs for why that slightly departs from the C original's unretained
// contract).
func (t *Transport) SetAuthMechanisms(mechs []string) bool {
	t.authSession.SetMechanisms(mechs)
	return true
}

// SetMinProtocolVersion arms the floor below which a peer's advertised bus
// protocol version fails the handshake (spec.md §4.7).
func (t *Transport) SetMinProtocolVersion(v string) error {
	return t.authSession.SetMinProtocolVersion(v)
}

// IsAuthenticated implements the procedure in spec.md §4.3. It may mutate
// state (drive the Auth engine, disconnect on GUID/identity mismatch).
func (t *Transport) IsAuthenticated() bool {
	t.mu.Lock()
	if t.authenticated {
		t.mu.Unlock()
		return true
	}
	if t.disconnected {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	if t.connection != nil {
		t.connection.Ref()
		defer t.connection.Unref()
	}

	t.mu.Lock()
	maybeAuthenticated := !(t.sendCredentialsPending || t.receiveCredentialsPending)
	t.mu.Unlock()

	if maybeAuthenticated {
		if t.authSession.DoWork() != auth.Authenticated {
			maybeAuthenticated = false
		}
	}

	if maybeAuthenticated && !t.isServer {
		serverGUID, ok := t.authSession.GUIDFromServer()
		if !ok {
			maybeAuthenticated = false
		} else {
			expected, has := t.ExpectedGUID()
			if has && expected != serverGUID {
				t.Disconnect()
				return false
			}
			if !has {
				if err := faultinject.Check("transport.IsAuthenticated.guid"); err != nil {
					return false
				}
				t.SetExpectedGUID(serverGUID)
			}
		}
	}

	if maybeAuthenticated && t.isServer {
		identity := t.authSession.Identity()

		if t.unixUserFunction != nil {
			fn := t.unixUserFunction
			data := t.unixUserData
			conn := t.connection

			var allow bool
			if conn != nil {
				conn.Unlock()
				allow = fn(conn, identity.UID, data)
				conn.Lock()
			} else {
				allow = fn(nil, identity.UID, data)
			}

			if !allow {
				t.Disconnect()
				return false
			}
		} else {
			our := currentProcessCredentials()
			if !credentialsMatch(our, identity) {
				t.Disconnect()
				return false
			}
		}
	}

	t.mu.Lock()
	t.authenticated = maybeAuthenticated
	t.mu.Unlock()
	return maybeAuthenticated
}

func credentialsMatch(our Credentials, peer auth.Identity) bool {
	if peer.UID == auth.Unset {
		return false
	}
	return our.UID == peer.UID
}

// HandleWatch delegates to the backend, holding a ref on the transport
// across the call. No ref is taken on the watch: reactor.Watch has no
// reference count.
func (t *Transport) HandleWatch(w *reactor.Watch, condition reactor.Mask) bool {
	if t.disconnected {
		return true
	}
	if !w.Valid() {
		return true
	}
	condition = reactor.Sanitize(w, condition)

	t.Ref()
	defer t.Unref()

	return t.backend.HandleWatch(w, condition)
}

// SetConnection is one-shot; calling it twice is a programmer error.
func (t *Transport) SetConnection(conn Connection) bool {
	if t.connection != nil {
		panic("transport: SetConnection called twice")
	}
	t.connection = conn

	t.Ref()
	defer t.Unref()

	if !t.backend.ConnectionSet() {
		t.connection = nil
		return false
	}
	return true
}

// GetSocketFD returns the backend's socket descriptor, if it exposes one.
func (t *Transport) GetSocketFD() (int, bool) {
	provider, ok := t.backend.(socketFDProvider)
	if !ok || t.disconnected {
		return 0, false
	}

	t.Ref()
	defer t.Unref()
	return provider.GetSocketFD()
}

// DoIteration performs a single poll+read/write tick.
func (t *Transport) DoIteration(flags IterationFlags, timeoutMS int) {
	if flags&(IterationRead|IterationWrite) == 0 {
		return
	}
	if t.disconnected {
		return
	}
	t.Ref()
	defer t.Unref()
	t.backend.DoIteration(flags, timeoutMS)
}

// recoverUnusedBytes moves the Auth's trailing bytes into the loader's
// buffer exactly once, per spec.md §4.4.
func (t *Transport) recoverUnusedBytes() error {
	if t.authSession.NeedsDecoding() {
		encoded := t.authSession.GetUnusedBytes()
		plaintext, err := t.authSession.DecodeData(encoded)
		if err != nil {
			return ErrNoMemory
		}
		if err := t.loader.AppendUnusedBytes(plaintext); err != nil {
			return err
		}
	} else {
		bytesRead := t.authSession.GetUnusedBytes()
		if err := t.loader.AppendUnusedBytes(bytesRead); err != nil {
			return err
		}
	}
	t.authSession.DeleteUnusedBytes()
	return nil
}

// GetDispatchStatus computes the transport's current readiness to yield
// messages, per spec.md §4.4.
func (t *Transport) GetDispatchStatus() DispatchStatus {
	if t.liveBytes.Value() >= t.maxLiveMessagesSize {
		return DispatchComplete
	}

	if !t.IsAuthenticated() {
		if t.authSession.DoWork() == auth.WaitingForMemory {
			return DispatchNeedMemory
		}
		if !t.IsAuthenticated() {
			return DispatchComplete
		}
	}

	if !t.unusedBytesRecovered {
		if err := t.recoverUnusedBytes(); err != nil {
			return DispatchNeedMemory
		}
		t.unusedBytesRecovered = true
	}

	if err := t.loader.QueueMessages(); err != nil {
		return DispatchNeedMemory
	}

	if t.loader.PeekMessage() != nil {
		return DispatchDataRemains
	}
	return DispatchComplete
}

// QueueMessages drains the loader into the connection's inbound queue
// while dispatch status reports DATA_REMAINS. It returns false only when
// the final status is NEED_MEMORY.
func (t *Transport) QueueMessages() bool {
	var status DispatchStatus

	for {
		status = t.GetDispatchStatus()
		if status != DispatchDataRemains {
			break
		}

		link := t.loader.PopMessageLink()
		if link == nil {
			break
		}

		if err := faultinject.Check("transport.QueueMessages.counter"); err != nil {
			t.loader.PutbackMessageLink(link)
			status = DispatchNeedMemory
			break
		}

		t.liveBytes.Adjust(link.Message.Size())
		if t.connection != nil {
			t.connection.QueueReceivedMessageLink(link)
		}
	}

	if t.loader.IsCorrupted() {
		t.Disconnect()
	}

	return status != DispatchNeedMemory
}

// MessageDelivered tells the transport a message of the given size has
// left the connection's inbound queue (consumed by the application),
// dropping the live-bytes counter by the same amount it was raised by.
// This is the other half of the backpressure contract §4.6 describes:
// QueueMessages raises the counter, the connection calls this as it
// drains its queue.
func (t *Transport) MessageDelivered(size int64) {
	t.liveBytes.Adjust(-size)
}

// SetMaxMessageSize bounds a single frame's body size.
func (t *Transport) SetMaxMessageSize(n int64) {
	t.loader.SetMaxMessageSize(n)
}

func (t *Transport) GetMaxMessageSize() int64 {
	return t.loader.GetMaxMessageSize()
}

// SetMaxReceivedSize sets the backpressure threshold and re-arms the
// counter's notify callback so the backend re-evaluates read-watch state.
func (t *Transport) SetMaxReceivedSize(n int64) {
	t.mu.Lock()
	t.maxLiveMessagesSize = n
	t.mu.Unlock()

	t.liveBytes.SetNotify(n, func() {
		t.liveMessagesChangedNotify()
	})
	t.liveMessagesChangedNotify()
}

func (t *Transport) GetMaxReceivedSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxLiveMessagesSize
}

// LiveMessagesSize returns the current backpressure counter value, used by
// tests and the CLI harness.
func (t *Transport) LiveMessagesSize() int64 {
	return t.liveBytes.Value()
}

// GetUnixUser fills *uid from the auth identity if authenticated and the
// mechanism established a uid; otherwise it writes UnsetUID and returns
// false.
func (t *Transport) GetUnixUser(uid *int64) bool {
	*uid = UnsetUID

	t.mu.Lock()
	authed := t.authenticated
	t.mu.Unlock()
	if !authed {
		return false
	}

	identity := t.authSession.Identity()
	if identity.UID == auth.Unset {
		return false
	}
	*uid = identity.UID
	return true
}

// GetUnixProcessID fills *pid from the auth identity if authenticated and
// the mechanism established a pid; otherwise it writes UnsetPID and
// returns false.
func (t *Transport) GetUnixProcessID(pid *int64) bool {
	*pid = UnsetPID

	t.mu.Lock()
	authed := t.authenticated
	t.mu.Unlock()
	if !authed {
		return false
	}

	identity := t.authSession.Identity()
	if identity.PID == auth.Unset {
		return false
	}
	*pid = identity.PID
	return true
}

// SetUnixUserFunction atomically replaces the authorization predicate,
// returning the prior data/free-function pair so the caller can release
// it.
func (t *Transport) SetUnixUserFunction(fn UnixUserFunction, data interface{}, freeFn func(interface{})) (oldData interface{}, oldFree func(interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldData, oldFree = t.unixUserData, t.freeUnixUserData
	t.unixUserFunction = fn
	t.unixUserData = data
	t.freeUnixUserData = freeFn
	return
}

// SetPeerCredentials feeds ambient unix credentials the backend obtained
// off the socket into the Auth engine's EXTERNAL mechanism, and records
// them on the transport for IsAuthenticated's own-process comparison.
func (t *Transport) SetPeerCredentials(c Credentials) {
	t.mu.Lock()
	t.credentials = c
	t.mu.Unlock()
	t.authSession.SetPeerCredentials(auth.PeerCredentials{UID: c.UID, PID: c.PID, GID: c.GID})
}

// FeedAuth appends bytes read off the wire during the handshake into the
// Auth engine, called by a backend while !IsAuthenticated().
func (t *Transport) FeedAuth(b []byte) {
	t.authSession.Feed(b)
}

// PullAuthOutgoing drains bytes the Auth engine owes the peer.
func (t *Transport) PullAuthOutgoing() []byte {
	return t.authSession.PullOutgoing()
}

// AppendReadBytes feeds bytes read off the wire after authentication
// directly into the message loader.
func (t *Transport) AppendReadBytes(b []byte) {
	t.loader.AppendReadBytes(b)
}

// SendCredentialsDone marks this side's credential-send step complete —
// called once by the client backend after writing the initial NUL
// credential byte. The server side's counterpart, after reading that byte,
// is ReceiveCredentialsDone.
func (t *Transport) SendCredentialsDone() {
	t.mu.Lock()
	t.sendCredentialsPending = false
	t.mu.Unlock()
}

func (t *Transport) ReceiveCredentialsDone() {
	t.mu.Lock()
	t.receiveCredentialsPending = false
	t.mu.Unlock()
}

// ReceiveCredentialsPending reports whether the server side still needs to
// read the initial NUL credential byte before the handshake proper starts.
func (t *Transport) ReceiveCredentialsPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiveCredentialsPending
}

// IsServer reports whether this transport is the server side of the pair.
func (t *Transport) IsServer() bool {
	return t.isServer
}

// messageWriter is implemented by backends capable of writing a fully
// serialized outgoing frame (the socket and named-pipe backends; not
// autolaunch, which only ever produces one of those two once dialed).
type messageWriter interface {
	WriteMessage(payload []byte) error
}

// Send serializes m and hands it to the backend for writing. Returns
// ErrDisconnected if the transport has already disconnected, or if the
// backend never exposed a way to write (shouldn't happen for any backend
// reachable through Open/NewSocketServerTransport/NewDebugPipePair).
func (t *Transport) Send(m *wire.Message) error {
	if !t.IsConnected() {
		return ErrDisconnected
	}
	w, ok := t.backend.(messageWriter)
	if !ok {
		return ErrDisconnected
	}
	return w.WriteMessage(wire.Serialize(m))
}
