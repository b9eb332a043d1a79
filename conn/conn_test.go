package conn

import (
	"testing"
	"time"

	"github.com/lumenbus/bus/internal/wire"
	"github.com/lumenbus/bus/transport"
)

func pump(t *transport.Transport) {
	go func() {
		for t.IsConnected() {
			t.DoIteration(transport.IterationRead|transport.IterationWrite, 0)
		}
	}()
}

func pumpDispatch(t *transport.Transport) {
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

func TestNewBindsAndDispatchDeliversMessages(t *testing.T) {
	server, client, err := transport.NewDebugPipePair("g1")
	if err != nil {
		t.Fatalf("NewDebugPipePair: %v", err)
	}
	defer server.Disconnect()
	defer client.Disconnect()

	serverConn := New(server)
	if serverConn == nil {
		t.Fatal("New returned nil for the server side")
	}
	clientConn := New(client)
	if clientConn == nil {
		t.Fatal("New returned nil for the client side")
	}
	defer serverConn.Close()
	defer clientConn.Close()

	pump(server)
	pump(client)
	pumpDispatch(client)

	if !waitUntil(t, time.Second, client.IsAuthenticated) {
		t.Fatal("client never authenticated")
	}

	if err := serverConn.Send(&wire.Message{Type: 1, Body: []byte("ping")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var delivered []*wire.Message
	if !waitUntil(t, time.Second, func() bool {
		select {
		case <-clientConn.Notify():
		default:
		}
		delivered = clientConn.Dispatch()
		return len(delivered) == 1
	}) {
		t.Fatal("message never reached Dispatch")
	}
	if string(delivered[0].Body) != "ping" {
		t.Fatalf("delivered body = %q, want ping", delivered[0].Body)
	}

	if client.LiveMessagesSize() != 0 {
		t.Fatalf("live bytes after Dispatch = %d, want 0 (MessageDelivered should have run)", client.LiveMessagesSize())
	}
}

func TestNewPanicsOnDoubleSetConnection(t *testing.T) {
	server, client, err := transport.NewDebugPipePair("g1")
	if err != nil {
		t.Fatalf("NewDebugPipePair: %v", err)
	}
	defer server.Disconnect()
	defer client.Disconnect()

	first := New(client)
	if first == nil {
		t.Fatal("first New should have bound successfully")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("a second SetConnection on the same transport should panic, per its one-shot contract")
		}
	}()
	New(client)
}

func TestCloseDisconnectsTransport(t *testing.T) {
	server, client, err := transport.NewDebugPipePair("g1")
	if err != nil {
		t.Fatalf("NewDebugPipePair: %v", err)
	}
	defer server.Disconnect()

	c := New(client)
	if c == nil {
		t.Fatal("New failed")
	}
	c.Close()

	if client.IsConnected() {
		t.Fatal("Close should have disconnected the underlying transport")
	}
}
