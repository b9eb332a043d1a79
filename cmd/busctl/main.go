// Command busctl is a small interactive/scriptable client for exercising
// a running busd: dialing an address, reporting handshake/connection
// status, and a crude throughput benchmark. Modeled on the teacher's
// kr CLI (urfave/cli subcommands, fatih/color status lines) generalized
// from a single SSH-signing command set to generic bus operations.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/lumenbus/bus/conn"
	"github.com/lumenbus/bus/internal/wire"
	"github.com/lumenbus/bus/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "busctl"
	app.Usage = "exercise a lumen-bus transport from the command line"
	app.Version = "0.1.0"

	app.Commands = []cli.Command{
		dialCommand(),
		statusCommand(),
		benchCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func addressFlag() cli.Flag {
	return cli.StringFlag{
		Name:  "address, a",
		Usage: "bus address, e.g. unix:path=/tmp/bus.sock or autolaunch:",
		Value: "autolaunch:",
	}
}

func dialCommand() cli.Command {
	return cli.Command{
		Name:  "dial",
		Usage: "connect, authenticate, and report the peer's GUID",
		Flags: []cli.Flag{addressFlag()},
		Action: func(c *cli.Context) error {
			t, err := transport.Open(c.String("address"))
			if err != nil {
				return err
			}
			defer t.Disconnect()
			pumpIO(t)

			cn := conn.New(t)
			if cn == nil {
				return fmt.Errorf("transport rejected SetConnection")
			}
			defer cn.Close()

			if !waitAuthenticated(t, 5*time.Second) {
				color.Red("authentication did not complete")
				return fmt.Errorf("auth timeout")
			}

			guid, _ := guidOf(t)
			color.Green("authenticated, server guid=%s", guid)
			return nil
		},
	}
}

func statusCommand() cli.Command {
	return cli.Command{
		Name:  "status",
		Usage: "report connection/dispatch status without sending anything",
		Flags: []cli.Flag{addressFlag()},
		Action: func(c *cli.Context) error {
			t, err := transport.Open(c.String("address"))
			if err != nil {
				return err
			}
			defer t.Disconnect()
			pumpIO(t)

			waitAuthenticated(t, 2*time.Second)

			fmt.Printf("connected: %v\n", t.IsConnected())
			fmt.Printf("authenticated: %v\n", t.IsAuthenticated())
			fmt.Printf("dispatch status: %s\n", t.GetDispatchStatus())
			fmt.Printf("live message bytes: %d / %d\n", t.LiveMessagesSize(), t.GetMaxReceivedSize())
			return nil
		},
	}
}

func benchCommand() cli.Command {
	return cli.Command{
		Name:  "bench",
		Usage: "send N small messages and report elapsed time",
		Flags: []cli.Flag{
			addressFlag(),
			cli.IntFlag{Name: "count, n", Value: 1000},
		},
		Action: func(c *cli.Context) error {
			t, err := transport.Open(c.String("address"))
			if err != nil {
				return err
			}
			defer t.Disconnect()
			pumpIO(t)

			cn := conn.New(t)
			if cn == nil {
				return fmt.Errorf("transport rejected SetConnection")
			}
			defer cn.Close()

			if !waitAuthenticated(t, 5*time.Second) {
				return fmt.Errorf("auth timeout")
			}

			count := c.Int("count")
			start := time.Now()
			for i := 0; i < count; i++ {
				if err := cn.Send(&wire.Message{Type: 1, Body: []byte("ping")}); err != nil {
					return err
				}
			}
			elapsed := time.Since(start)
			color.Cyan("sent %d messages in %s (%.0f msg/s)", count, elapsed, float64(count)/elapsed.Seconds())
			return nil
		},
	}
}

// pumpIO runs the transport's blocking read/write iteration on its own
// goroutine, exactly like busd's serveConn, since busctl is its own host
// loop with nothing else driving the backend.
func pumpIO(t *transport.Transport) {
	go func() {
		for t.IsConnected() {
			t.DoIteration(transport.IterationRead|transport.IterationWrite, 0)
		}
	}()
}

func waitAuthenticated(t *transport.Transport, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.IsAuthenticated() {
			return true
		}
		if !t.IsConnected() {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return t.IsAuthenticated()
}

func guidOf(t *transport.Transport) (string, bool) {
	return t.ExpectedGUID()
}
