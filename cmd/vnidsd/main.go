// Command vnidsd is the network-IDS supervisor daemon entrypoint.
//
// Usage:
//
//	vnidsd -c /etc/vnids/vnids.conf
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vnidsd/vnidsd/config"
	"github.com/vnidsd/vnidsd/daemon"
	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/vnidserr"
)

func main() {
	configPath := flag.String("c", "/etc/vnids/vnids.conf", "path to configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vnidsd: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig {
		out, err := cfg.DumpYAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "vnidsd: dump config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger := log.New(cfg.General.LogLevel)
	logger.Info("starting", map[string]any{"config": *configPath})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	d := daemon.New(cfg, logger)
	if err := d.Run(ctx); err != nil {
		// Startup failures (PID file, store open, control socket bind) are
		// classified vnidserr.Fatal; log the kind so operators can tell a
		// bind failure from a store-open failure.
		if vnidserr.IsFatal(err) {
			logger.Error("daemon failed fatally", map[string]any{"error": err.Error()})
		} else {
			logger.Error("daemon exited with error", map[string]any{"error": err.Error()})
		}
		os.Exit(1)
	}
	_ = logger.Sync()
}
