// Command aggregator runs the central fleet-monitoring process: pull
// scheduler, rollup engine, retention cleaner, and query/control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CNF6682/GPU-Server-Monitor/internal/aggregator"
)

func main() {
	fs := flag.NewFlagSet("aggregator", flag.ExitOnError)
	configPath := fs.String("config", "/etc/gpu-monitor/aggregator.toml", "path to config file")
	fs.Parse(os.Args[1:])

	cfg, err := aggregator.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := aggregator.New(cfg, *configPath)
	if err != nil {
		// The single-instance lock conflict surfaces here: fatal, non-zero exit.
		slog.Error("failed to create aggregator", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.LogLevelVar()})))

	// SIGHUP triggers config reload.
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			if err := a.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "aggregator: %v\n", err)
		os.Exit(1)
	}
}
