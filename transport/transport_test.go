package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/lumenbus/bus/internal/address"
	"github.com/lumenbus/bus/internal/faultinject"
	"github.com/lumenbus/bus/internal/wire"
)

// testConn is a minimal transport.Connection used only by this package's
// own tests, so they don't need to import the conn package (which imports
// transport, and would create a cycle from an internal test file).
type testConn struct {
	mu       sync.Mutex
	refcount int32
	received []*wire.Message
	notify   chan struct{}
}

func newTestConn() *testConn {
	return &testConn{refcount: 1, notify: make(chan struct{}, 64)}
}

func (c *testConn) Lock()   { c.mu.Lock() }
func (c *testConn) Unlock() { c.mu.Unlock() }
func (c *testConn) Ref()    { c.refcount++ }
func (c *testConn) Unref()  { c.refcount-- }

func (c *testConn) QueueReceivedMessageLink(link *wire.Link) {
	c.mu.Lock()
	c.received = append(c.received, link.Message)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *testConn) messages() []*wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.Message(nil), c.received...)
}

// pump drives one transport's blocking read/write loop on its own
// goroutine until it disconnects, the way cmd/busd's serveConn does.
func pump(t *Transport) {
	go func() {
		for t.IsConnected() {
			t.DoIteration(IterationRead|IterationWrite, 0)
		}
	}()
}

// pumpDispatch repeatedly drains the loader into the connection, the way
// an application's main loop would via Connection.Dispatch in a real
// daemon; without something calling QueueMessages, parsed frames sit in
// the loader forever since the backend itself never does this.
func pumpDispatch(t *Transport) {
	go func() {
		for t.IsConnected() {
			t.QueueMessages()
			time.Sleep(time.Millisecond)
		}
	}()
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func mustPair(t *testing.T, guid string) (server, client *Transport) {
	t.Helper()
	server, client, err := NewDebugPipePair(guid)
	if err != nil {
		t.Fatalf("NewDebugPipePair: %v", err)
	}
	return server, client
}

// Scenario 1: client connects, authenticates, receives one message.
func TestClientAuthenticatesAndReceivesMessage(t *testing.T) {
	server, client := mustPair(t, "g1")
	defer server.Disconnect()
	defer client.Disconnect()

	sc, cc := newTestConn(), newTestConn()
	if !server.SetConnection(sc) || !client.SetConnection(cc) {
		t.Fatal("SetConnection failed")
	}

	pump(server)
	pump(client)
	pumpDispatch(client)

	if !waitUntil(t, time.Second, client.IsAuthenticated) {
		t.Fatal("client never authenticated")
	}
	if !waitUntil(t, time.Second, server.IsAuthenticated) {
		t.Fatal("server never authenticated")
	}

	body := make([]byte, 256)
	for i := range body {
		body[i] = byte(i)
	}
	if err := server.Send(&wire.Message{Type: 1, Body: body}); err != nil {
		t.Fatalf("server.Send: %v", err)
	}

	if !waitUntil(t, time.Second, func() bool { return len(cc.messages()) == 1 }) {
		t.Fatal("message never delivered to client connection")
	}

	msgs := cc.messages()
	if len(msgs[0].Body) != 256 {
		t.Fatalf("delivered body len = %d, want 256", len(msgs[0].Body))
	}
	if got, want := client.LiveMessagesSize(), msgs[0].Size(); got != want {
		t.Fatalf("live bytes = %d, want %d (header + body)", got, want)
	}
}

// Scenario 2: GUID mismatch disconnects the client and delivers nothing.
func TestGUIDMismatchDisconnects(t *testing.T) {
	server, client := mustPair(t, "g1")
	defer server.Disconnect()
	defer client.Disconnect()

	client.SetExpectedGUID("g2")

	sc, cc := newTestConn(), newTestConn()
	server.SetConnection(sc)
	client.SetConnection(cc)

	pump(server)
	pump(client)

	waitUntil(t, time.Second, func() bool { return !client.IsConnected() })

	if client.IsConnected() {
		t.Fatal("client should have disconnected on GUID mismatch")
	}
	if client.IsAuthenticated() {
		t.Fatal("client should not report authenticated after GUID mismatch")
	}
	if client.LiveMessagesSize() != 0 {
		t.Fatalf("live bytes = %d, want 0", client.LiveMessagesSize())
	}
	if len(cc.messages()) != 0 {
		t.Fatal("no messages should have been delivered")
	}
}

// Scenario 3: backpressure crosses the threshold and the backend is
// notified when the application drains the queue back under it.
func TestBackpressureNotifiesOnDrain(t *testing.T) {
	server, client := mustPair(t, "g1")
	defer server.Disconnect()
	defer client.Disconnect()

	client.SetMaxReceivedSize(1000)

	sc, cc := newTestConn(), newTestConn()
	server.SetConnection(sc)
	client.SetConnection(cc)

	pump(server)
	pump(client)
	pumpDispatch(client)

	if !waitUntil(t, time.Second, client.IsAuthenticated) {
		t.Fatal("never authenticated")
	}

	msg := func() *wire.Message { return &wire.Message{Type: 1, Body: make([]byte, 400)} }
	frameSize := msg().Size() // header + 400-byte body, per wire's frame layout

	for i := 0; i < 2; i++ {
		if err := server.Send(msg()); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if !waitUntil(t, time.Second, func() bool { return len(cc.messages()) == 2 }) {
		t.Fatal("first two messages never arrived")
	}
	if got, want := client.LiveMessagesSize(), 2*frameSize; got != want {
		t.Fatalf("live bytes = %d, want %d", got, want)
	}

	// A socketBackend's read watch should still be enabled below threshold.
	backend := client.backend.(*socketBackend)
	if backend.watch.Enabled() == false {
		t.Fatal("watch disabled below threshold")
	}

	if err := server.Send(msg()); err != nil {
		t.Fatalf("send 3rd: %v", err)
	}
	if !waitUntil(t, time.Second, func() bool { return client.LiveMessagesSize() >= 1000 }) {
		t.Fatal("third message never pushed counter to threshold")
	}
	if !waitUntil(t, time.Second, func() bool { return !backend.watch.Enabled() }) {
		t.Fatal("backend was never notified to disable its read watch at/above threshold")
	}
	if status := client.GetDispatchStatus(); status != DispatchComplete {
		t.Fatalf("dispatch status at/over threshold = %v, want COMPLETE", status)
	}

	// Draining one message below threshold should re-enable the watch.
	delivered := cc.messages()[2]
	client.MessageDelivered(delivered.Size())
	if !waitUntil(t, time.Second, func() bool { return backend.watch.Enabled() }) {
		t.Fatal("backend was never notified to re-enable its read watch under threshold")
	}
}

// Scenario 4: OOM during unused-bytes recovery is reported as NEED_MEMORY
// and retried successfully once fault injection clears.
func TestOOMDuringUnusedBytesRecovery(t *testing.T) {
	faultinject.Reset()
	defer faultinject.Reset()

	server, client := mustPair(t, "g1")
	defer server.Disconnect()
	defer client.Disconnect()

	sc, cc := newTestConn(), newTestConn()
	server.SetConnection(sc)
	client.SetConnection(cc)

	pump(server)
	pump(client)

	if !waitUntil(t, time.Second, client.IsAuthenticated) {
		t.Fatal("never authenticated")
	}

	// Fail every fault-injection checkpoint until Reset, which includes
	// recoverUnusedBytes's AppendUnusedBytes call.
	faultinject.ForceFailNth(1)
	status := client.GetDispatchStatus()
	if status != DispatchNeedMemory {
		t.Fatalf("status during injected OOM = %v, want NEED_MEMORY", status)
	}
	if client.unusedBytesRecovered {
		t.Fatal("unusedBytesRecovered set true despite injected failure")
	}

	faultinject.Reset()
	if !waitUntil(t, time.Second, func() bool {
		return client.GetDispatchStatus() != DispatchNeedMemory
	}) {
		t.Fatal("retry after clearing fault injection never succeeded")
	}
	if !client.unusedBytesRecovered {
		t.Fatal("unusedBytesRecovered never set true after successful retry")
	}
}

// Scenario 5: a corrupted stream disconnects the transport but keeps
// already-delivered messages.
func TestCorruptedStreamDisconnects(t *testing.T) {
	server, client := mustPair(t, "g1")
	defer server.Disconnect()
	defer client.Disconnect()

	sc, cc := newTestConn(), newTestConn()
	server.SetConnection(sc)
	client.SetConnection(cc)

	pump(server)
	pump(client)
	pumpDispatch(client)

	if !waitUntil(t, time.Second, client.IsAuthenticated) {
		t.Fatal("never authenticated")
	}

	if err := server.Send(&wire.Message{Type: 1, Body: []byte("hello")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitUntil(t, time.Second, func() bool { return len(cc.messages()) == 1 }) {
		t.Fatal("first message never delivered")
	}

	client.loader.AppendReadBytes([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	if !waitUntil(t, time.Second, func() bool { return !client.IsConnected() }) {
		t.Fatal("corrupted stream never disconnected the transport")
	}
	if len(cc.messages()) != 1 {
		t.Fatalf("messages after corruption = %d, want 1 (already-delivered kept)", len(cc.messages()))
	}
}

// Scenario 6: each factory claims only the methods it recognizes; a method
// none of them recognize falls through every factory untouched.
func TestOpenerFactoriesClaimOnlyTheirMethods(t *testing.T) {
	bogus := address.Entry{Method: "bogus-method-nobody-handles"}

	var anyHandled bool
	for _, open := range openFuncs {
		_, handled, _ := open(bogus, "")
		if handled {
			anyHandled = true
		}
	}
	if anyHandled {
		t.Fatal("an unrecognized method should be NotHandled by every factory")
	}

	// A real unix socket address with no listener should be recognized by
	// openSocket (handled=true) and reported as DidNotConnect, never
	// silently skipped.
	unreachable := address.Entry{Method: "unix", Params: map[string]string{"path": "/nonexistent/lumenbus/no-such.sock"}}
	_, handled, err := openSocket(unreachable, "")
	if !handled {
		t.Fatal("openSocket should handle the unix method even when the dial fails")
	}
	if err != ErrDidNotConnect {
		t.Fatalf("err = %v, want ErrDidNotConnect", err)
	}
}

// Scenario 6: "debug-pipe:name=foo;tcp:host=127.0.0.1,port=0" must fall
// through openSocket/openPlatformSpecific/openAutolaunch as NotHandled for
// its first entry and resolve via the debug-pipe factory instead, never
// reaching the second ("tcp:") entry at all.
func TestOpenResolvesDebugPipeEntryBeforeFallingThroughToNextEntry(t *testing.T) {
	server, err := RegisterDebugPipe("foo", "g1")
	if err != nil {
		t.Fatalf("RegisterDebugPipe: %v", err)
	}
	defer server.Disconnect()

	for i, open := range openFuncs[:3] {
		_, handled, _ := open(address.Entry{Method: "debug-pipe", Params: map[string]string{"name": "foo"}}, "")
		if handled {
			t.Fatalf("openFuncs[%d] should not recognize the debug-pipe method", i)
		}
	}

	client, err := Open("debug-pipe:name=foo;tcp:host=127.0.0.1,port=0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Fatal("the resolved debug-pipe client should be connected")
	}
}

// A name nobody has registered must be reported as DidNotConnect, not
// silently skipped as NotHandled — the method is recognized, the pipe just
// isn't there.
func TestOpenDebugPipeUnregisteredNameFails(t *testing.T) {
	_, err := Open("debug-pipe:name=nobody-registered-this")
	if err != ErrDidNotConnect {
		t.Fatalf("err = %v, want ErrDidNotConnect", err)
	}
}

// Invariant 2: Disconnect is idempotent.
func TestDisconnectIdempotent(t *testing.T) {
	server, client := mustPair(t, "g1")
	defer server.Disconnect()

	calls := 0
	client.Disconnect()
	calls++
	client.Disconnect()
	client.Disconnect()

	if client.IsConnected() {
		t.Fatal("still connected after Disconnect")
	}
	_ = calls
}

// Invariant: GetUnixUser/GetUnixProcessID write sentinels before any
// successful return, and report false before authentication.
func TestGetUnixUserSentinelBeforeAuth(t *testing.T) {
	server, client := mustPair(t, "g1")
	defer server.Disconnect()
	defer client.Disconnect()

	var uid int64 = 42
	if client.GetUnixUser(&uid) {
		t.Fatal("GetUnixUser should fail before authentication")
	}
	if uid != UnsetUID {
		t.Fatalf("uid = %d, want sentinel %d", uid, UnsetUID)
	}

	var pid int64 = 42
	if client.GetUnixProcessID(&pid) {
		t.Fatal("GetUnixProcessID should fail before authentication")
	}
	if pid != UnsetPID {
		t.Fatalf("pid = %d, want sentinel %d", pid, UnsetPID)
	}
}
