// Command vnidsctl is a minimal control-plane client for vnidsd.
//
// Usage:
//
//	vnidsctl status
//	vnidsctl get-stats
//	vnidsctl reload-rules
//	vnidsctl shutdown
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vnidsd/vnidsd/control"
	"github.com/vnidsd/vnidsd/iox"
)

const dialTimeout = 2 * time.Second

func main() {
	app := &cli.App{
		Name:  "vnidsctl",
		Usage: "control client for the vnidsd network-IDS supervisor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "path to the control socket",
				Value: "/var/run/vnids/api.sock",
			},
		},
		Commands: []*cli.Command{
			simpleCommand("status", "status"),
			simpleCommand("get-stats", "get_stats"),
			simpleCommand("reload-rules", "reload_rules"),
			simpleCommand("list-rules", "list_rules"),
			simpleCommand("validate-rules", "validate_rules"),
			listEventsCommand(),
			shutdownCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vnidsctl: %v\n", err)
		os.Exit(1)
	}
}

func simpleCommand(name, command string) *cli.Command {
	return &cli.Command{
		Name: name,
		Action: func(c *cli.Context) error {
			return sendAndPrint(c, control.Request{Command: command})
		},
	}
}

func listEventsCommand() *cli.Command {
	return &cli.Command{
		Name: "list-events",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 100},
		},
		Action: func(c *cli.Context) error {
			params, err := json.Marshal(map[string]int{"limit": c.Int("limit")})
			if err != nil {
				return err
			}
			return sendAndPrint(c, control.Request{Command: "list_events", Params: params})
		},
	}
}

func shutdownCommand() *cli.Command {
	return &cli.Command{
		Name:  "shutdown",
		Usage: "request a graceful daemon shutdown",
		Action: func(c *cli.Context) error {
			return sendAndPrint(c, control.Request{Command: "shutdown"})
		},
	}
}

func sendAndPrint(c *cli.Context, req control.Request) error {
	conn, err := control.DialClient(c.String("socket"), dialTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer iox.DiscardClose(conn)

	resp, err := control.SendRequest(conn, req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !resp.Success {
		return cli.Exit("", 1)
	}
	return nil
}
