// Package wire is the concrete MessageLoader collaborator: it turns a raw
// byte stream into framed Messages and back. The transport core only
// depends on the Loader's behavioral contract (queue/peek/pop/putback,
// corruption detection, buffer access for unused-bytes recovery); the exact
// byte layout here is deliberately the simplest one that satisfies it.
//
// Frame layout: 4-byte big-endian body length, 1-byte message type, body.
package wire

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/lumenbus/bus/internal/faultinject"
)

// ErrCorrupted is set on a Loader once it detects a malformed frame; the
// transport base disconnects when it sees this.
var ErrCorrupted = errors.New("wire: corrupted message stream")

// ErrNoMemory is returned by operations that fault injection has made fail,
// simulating allocation failure for the OOM-recovery tests.
var ErrNoMemory = errors.New("wire: out of memory")

const headerSize = 5

// DefaultMaxMessageSize bounds a single frame's body until SetMaxMessageSize
// (reached through Transport.SetMaxMessageSize) changes it.
const DefaultMaxMessageSize = 64 * 1024 * 1024

// Message is one framed unit handed to/from the connection.
type Message struct {
	Type byte
	Body []byte
}

// Size is the number of live bytes this message counts against the
// transport's backpressure counter: header + body.
func (m *Message) Size() int64 {
	return int64(headerSize + len(m.Body))
}

// Link is a one-message node so the loader can hand ownership to the
// connection and, on counter OOM, take it back without re-parsing.
type Link struct {
	Message *Message
	next    *Link
}

// Loader accumulates raw bytes and produces Messages from them.
type Loader struct {
	mu             sync.Mutex
	buf            []byte
	head, tail     *Link
	corrupted      bool
	maxMessageSize int64
}

// NewLoader returns an empty loader with the default max message size.
func NewLoader() *Loader {
	return &Loader{maxMessageSize: DefaultMaxMessageSize}
}

// AppendUnusedBytes feeds bytes recovered from the auth handshake's trailer
// into the loader's buffer, ahead of anything already buffered from later
// reads, so stream order is preserved even if a post-handshake read landed
// first.
func (l *Loader) AppendUnusedBytes(b []byte) error {
	if err := faultinject.Check("wire.AppendUnusedBytes"); err != nil {
		return ErrNoMemory
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(append([]byte(nil), b...), l.buf...)
	return nil
}

// AppendReadBytes feeds bytes a backend read off the wire into the loader.
func (l *Loader) AppendReadBytes(b []byte) {
	l.mu.Lock()
	l.buf = append(l.buf, b...)
	l.mu.Unlock()
}

// SetMaxMessageSize bounds a single frame's body size.
func (l *Loader) SetMaxMessageSize(n int64) {
	l.mu.Lock()
	l.maxMessageSize = n
	l.mu.Unlock()
}

func (l *Loader) GetMaxMessageSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxMessageSize
}

func (l *Loader) IsCorrupted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corrupted
}

// QueueMessages parses as many complete frames as are currently buffered
// into the pending queue. It returns ErrNoMemory if fault injection (or a
// real allocation failure, in a build that wires one in) prevents framing
// from completing; in that case any messages already parsed stay queued.
func (l *Loader) QueueMessages() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrupted {
		return nil
	}

	for {
		if len(l.buf) < headerSize {
			return nil
		}
		bodyLen := binary.BigEndian.Uint32(l.buf[:4])
		typ := l.buf[4]

		if int64(bodyLen) > l.maxMessageSize || typ == 0 {
			l.corrupted = true
			return nil
		}
		total := headerSize + int(bodyLen)
		if len(l.buf) < total {
			return nil
		}

		if err := faultinject.Check("wire.QueueMessages"); err != nil {
			return ErrNoMemory
		}

		body := make([]byte, bodyLen)
		copy(body, l.buf[headerSize:total])
		l.buf = l.buf[total:]

		l.pushBack(&Link{Message: &Message{Type: typ, Body: body}})
	}
}

func (l *Loader) pushBack(link *Link) {
	link.next = nil
	if l.tail == nil {
		l.head, l.tail = link, link
		return
	}
	l.tail.next = link
	l.tail = link
}

func (l *Loader) pushFront(link *Link) {
	link.next = l.head
	l.head = link
	if l.tail == nil {
		l.tail = link
	}
}

// PeekMessage returns the next message to be delivered without removing it.
func (l *Loader) PeekMessage() *Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil
	}
	return l.head.Message
}

// PopMessageLink removes and returns the next message link, transferring
// ownership to the caller (normally the transport, handing it to the
// connection). Returns nil if nothing is queued.
func (l *Loader) PopMessageLink() *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil
	}
	link := l.head
	l.head = link.next
	if l.head == nil {
		l.tail = nil
	}
	link.next = nil
	return link
}

// PutbackMessageLink re-inserts a link at the front of the queue, used when
// the transport fails to account for the message's size against the live
// counter and must retry later without losing it.
func (l *Loader) PutbackMessageLink(link *Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushFront(link)
}

// Serialize renders a Message to its wire form for an outgoing write.
func Serialize(m *Message) []byte {
	out := make([]byte, headerSize+len(m.Body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(m.Body)))
	out[4] = m.Type
	copy(out[headerSize:], m.Body)
	return out
}
