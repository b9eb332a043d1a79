// Package conn is the owning collaborator a transport is bound to via
// Transport.SetConnection: it holds the connection-wide lock the
// transport's IsAuthenticated procedure drops around the
// application-supplied authorization callback, and the inbound queue
// QueueMessages delivers framed messages into.
package conn

import (
	"sync"

	"github.com/lumenbus/bus/internal/wire"
	"github.com/lumenbus/bus/transport"
)

// Connection wraps one Transport with the lock and inbound queue the
// transport package's Connection interface requires, plus a Dispatch loop
// an application pulls messages from.
type Connection struct {
	mu sync.Mutex

	refcount int32

	transport *transport.Transport

	pending []*wire.Message
	notify  chan struct{} // signaled (non-blocking) whenever pending grows
}

// New binds conn around t, calling t.SetConnection so the transport can
// reach back in for lock drop/reacquire and inbound delivery.
func New(t *transport.Transport) *Connection {
	c := &Connection{refcount: 1, transport: t, notify: make(chan struct{}, 1)}
	if !t.SetConnection(c) {
		return nil
	}
	return c
}

// Lock/Unlock satisfy transport.Connection: IsAuthenticated holds this
// lock released only across the unix-user-function callback, matching
// the hazard documented in spec.md §9 (a predicate that re-enters the
// transport must not deadlock on its own connection's lock).
func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

// Ref/Unref mirror the paranoid refcounting the transport performs around
// every call that might drop its own lock and let the application close
// the connection out from under it.
func (c *Connection) Ref() {
	c.mu.Lock()
	c.refcount++
	c.mu.Unlock()
}

func (c *Connection) Unref() {
	c.mu.Lock()
	c.refcount--
	c.mu.Unlock()
}

// QueueReceivedMessageLink implements transport.Connection: it takes
// ownership of link's message and appends it to the pending queue,
// signaling Dispatch.
func (c *Connection) QueueReceivedMessageLink(link *wire.Link) {
	c.mu.Lock()
	c.pending = append(c.pending, link.Message)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Dispatch drains and returns every message currently queued, telling the
// transport's backpressure counter those bytes have left the queue.
func (c *Connection) Dispatch() []*wire.Message {
	c.mu.Lock()
	msgs := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, m := range msgs {
		c.transport.MessageDelivered(m.Size())
	}
	return msgs
}

// Notify returns the channel Dispatch callers should select on to wake up
// when a new message has been queued.
func (c *Connection) Notify() <-chan struct{} {
	return c.notify
}

// Send serializes and writes one outgoing message to the socket
// immediately. It does not wait for the handshake: a message sent before
// authentication completes is not held back behind the auth lines.
func (c *Connection) Send(m *wire.Message) error {
	return c.transport.Send(m)
}

// Transport returns the bound transport, for callers that need direct
// access to its lifecycle operations (Disconnect, IsAuthenticated, ...).
func (c *Connection) Transport() *transport.Transport {
	return c.transport
}

// Close disconnects the underlying transport and drops this connection's
// own reference count; it takes no reference off the transport.
func (c *Connection) Close() {
	c.transport.Disconnect()
	c.Unref()
}
