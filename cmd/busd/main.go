// Command busd is the reference bus daemon: it listens on the session
// socket, authenticates each incoming connection, and dispatches queued
// messages to a trivial built-in router until the process receives a
// shutdown signal. It exists to exercise the transport package end to
// end, the way krd exercised the teacher's agent/control sockets.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/op/go-logging"

	"github.com/lumenbus/bus/conn"
	"github.com/lumenbus/bus/internal/buspath"
	"github.com/lumenbus/bus/internal/guid"
	internalLog "github.com/lumenbus/bus/internal/log"
	"github.com/lumenbus/bus/transport"
)

func useSyslog() bool {
	env := os.Getenv("LUMEN_BUS_LOG_SYSLOG")
	if env != "" {
		return env == "true"
	}
	return false
}

var log = internalLog.SetupWithSyslog("busd", logging.INFO, useSyslog())

func main() {
	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	socketPath, err := buspath.File(buspath.SessionSocketName)
	if err != nil {
		internalLog.Fatalf(log, "resolving session socket path: %v", err)
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		internalLog.Fatalf(log, "listening on %s: %v", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	serverGUID := guid.New()
	log.Noticef("busd launched, guid=%s, listening on %s", serverGUID, socketPath)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go acceptLoop(listener, serverGUID)

	sig := <-stopSignal
	log.Notice("stopping with signal", sig)
}

func acceptLoop(listener net.Listener, serverGUID string) {
	for {
		c, err := listener.Accept()
		if err != nil {
			log.Error("accept:", err)
			return
		}
		go serveConn(c, serverGUID)
	}
}

func serveConn(raw net.Conn, serverGUID string) {
	t, err := transport.NewSocketServerTransport(raw, serverGUID)
	if err != nil {
		log.Error("wrapping accepted connection:", err)
		raw.Close()
		return
	}

	c := conn.New(t)
	if c == nil {
		log.Error("rejected connection during SetConnection")
		t.Disconnect()
		return
	}
	defer c.Close()

	// The socket backend's DoIteration performs one blocking read (or
	// write, while the handshake has bytes to send); running it in a tight
	// loop on its own goroutine is this daemon's whole event loop — there
	// is no shared host reactor to register watches with.
	go func() {
		for t.IsConnected() {
			t.DoIteration(transport.IterationRead|transport.IterationWrite, 0)
		}
	}()

	for t.IsConnected() {
		if !t.QueueMessages() {
			log.Error("dropping connection: out of memory recovering the message stream")
			return
		}
		// Nothing but QueueMessages itself signals Notify, so wake on a
		// short interval too and poll again.
		select {
		case <-c.Notify():
		case <-time.After(10 * time.Millisecond):
		}
		for _, msg := range c.Dispatch() {
			log.Debugf("received message type=%d size=%d bytes", msg.Type, len(msg.Body))
		}
	}
}
