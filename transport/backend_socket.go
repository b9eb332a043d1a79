package transport

import (
	"net"
	"sync"

	"github.com/lumenbus/bus/internal/address"
	"github.com/lumenbus/bus/internal/reactor"
)

// socketBackend drives a stream socket (unix domain or tcp) opened either
// by dialing out (client) or handed an already-accepted net.Conn
// (server). It is the grounded equivalent of the teacher's
// common/socket dial/listen helpers, generalized from "one well-known
// agent socket" to any address the opener resolves.
type socketBackend struct {
	*Transport

	mu                 sync.Mutex
	conn               net.Conn
	watch              *reactor.Watch
	readDisabled       bool // backpressure: stop issuing reads while over threshold
	closeOnce          sync.Once
	credentialByteSent bool
	isServer           bool
}

// newSocketBackend wraps an already-connected net.Conn (accepted by a
// server listener, or dialed by the client opener) into a Transport.
func newSocketBackend(conn net.Conn, isServer bool, serverGUID, clientAddress string) (*Transport, error) {
	b := &socketBackend{conn: conn, isServer: isServer}
	t, err := InitBase(b, serverGUID, isServer, clientAddress)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.Transport = t

	if creds, ok := peerCredentials(conn); ok {
		t.SetPeerCredentials(creds)
	}

	fd, _ := socketFD(conn)
	b.watch = reactor.NewWatch(fd, reactor.Readable|reactor.Writable, b.HandleWatch)
	return t, nil
}

// openSocket is the socket factory registered with the opener (component
// G): it understands "unix:path=..." and "tcp:host=...,port=..." address
// entries.
func openSocket(entry address.Entry, expectedGUID string) (*Transport, bool, error) {
	var network, dialAddr string

	switch entry.Method {
	case "unix":
		network = "unix"
		if p := entry.Value("path"); p != "" {
			dialAddr = p
		} else if p := entry.Value("abstract"); p != "" {
			dialAddr = "@" + p
		} else {
			return nil, false, nil
		}
	case "tcp":
		network = "tcp"
		host := entry.Value("host")
		port := entry.Value("port")
		if host == "" || port == "" {
			return nil, false, nil
		}
		dialAddr = net.JoinHostPort(host, port)
	default:
		return nil, false, nil
	}

	conn, err := net.Dial(network, dialAddr)
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

// NewSocketServerTransport wraps a just-accepted connection for a listener
// built by cmd/busd; serverGUID is this process's advertised identity.
func NewSocketServerTransport(conn net.Conn, serverGUID string) (*Transport, error) {
	return newSocketBackend(conn, true, serverGUID, "")
}

func (b *socketBackend) HandleWatch(w *reactor.Watch, condition reactor.Mask) bool {
	if condition&(reactor.Error|reactor.Hangup) != 0 {
		b.Transport.Disconnect()
		return true
	}

	if condition&reactor.Readable != 0 && b.readAllowed() {
		if !b.doRead() {
			return false
		}
	}
	if condition&reactor.Writable != 0 {
		b.doWrite()
	}
	return true
}

// readAllowed reports whether the backend should currently issue a read,
// honoring the backpressure suppression LiveMessagesChanged last computed.
func (b *socketBackend) readAllowed() bool {
	b.mu.Lock()
	disabled := b.readDisabled
	watch := b.watch
	b.mu.Unlock()
	if disabled {
		return false
	}
	return watch == nil || watch.Enabled()
}

// doRead performs one blocking read. The very first bytes a server
// backend sees are the client's single NUL credential byte (classic
// unix-domain-socket SASL priming, predating any AUTH command) — it is
// stripped here and never reaches the Auth engine.
func (b *socketBackend) doRead() bool {
	buf := make([]byte, 4096)
	n, err := b.conn.Read(buf)
	if n > 0 {
		data := buf[:n]
		if b.isServer && b.Transport.ReceiveCredentialsPending() {
			data = data[1:]
			b.Transport.ReceiveCredentialsDone()
		}
		if len(data) > 0 {
			if b.Transport.IsAuthenticated() {
				b.Transport.AppendReadBytes(data)
			} else {
				b.Transport.FeedAuth(data)
			}
		}
	}
	if err != nil {
		b.Transport.Disconnect()
	}
	return true
}

// doWrite sends the client's one-time NUL credential byte ahead of
// anything else, then drains whatever the Auth engine currently owes the
// peer.
func (b *socketBackend) doWrite() {
	if !b.isServer && !b.credentialByteSent {
		if _, err := b.conn.Write([]byte{0}); err != nil {
			b.Transport.Disconnect()
			return
		}
		b.credentialByteSent = true
		b.Transport.SendCredentialsDone()
	}

	// IsAuthenticated drives the handshake one step; the drain below runs
	// even once it reports true, so the client's final BEGIN line goes out.
	b.Transport.IsAuthenticated()
	out := b.Transport.PullAuthOutgoing()
	if len(out) > 0 {
		b.conn.Write(out)
	}
}

// WriteMessage serializes and writes one outgoing message, used by the
// conn package once authenticated.
func (b *socketBackend) WriteMessage(payload []byte) error {
	_, err := b.conn.Write(payload)
	return err
}

func (b *socketBackend) ConnectionSet() bool {
	return true
}

func (b *socketBackend) Disconnect() {
	b.closeOnce.Do(func() {
		if b.watch != nil {
			b.watch.Invalidate()
		}
		b.conn.Close()
	})
}

func (b *socketBackend) DoIteration(flags IterationFlags, timeoutMS int) {
	if flags&IterationWrite != 0 {
		b.doWrite()
	}
	if flags&IterationRead != 0 && b.readAllowed() {
		b.doRead()
	}
}

func (b *socketBackend) GetSocketFD() (int, bool) {
	fd, err := socketFD(b.conn)
	return fd, err == nil
}

func (b *socketBackend) LiveMessagesChanged() {
	b.mu.Lock()
	over := b.Transport.LiveMessagesSize() >= b.Transport.GetMaxReceivedSize()
	b.readDisabled = over
	if b.watch != nil {
		b.watch.SetEnabled(!over)
	}
	b.mu.Unlock()
}

func (b *socketBackend) Finalize() {
	b.Disconnect()
	b.Transport.FinalizeBase()
}
