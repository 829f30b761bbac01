package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lanternlabs/lantern/internal/config"
	"github.com/lanternlabs/lantern/internal/daemon"
	"github.com/lanternlabs/lantern/internal/logger"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	port := flag.Int("port", 9200, "TCP port for the WebSocket and HTTP endpoints")
	dirFlag := flag.String("dir", "", "Lantern home directory (default: ~/.lantern)")
	jsonLogs := flag.Bool("json-logs", false, "Emit logs as JSON")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lanternd %s\n", Version)
		os.Exit(0)
	}

	homeDir, err := config.ResolveHome(*dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lanternd: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureLayout(homeDir); err != nil {
		fmt.Fprintf(os.Stderr, "lanternd: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(filepath.Join(homeDir, config.LogsDir), *jsonLogs); err != nil {
		fmt.Fprintf(os.Stderr, "lanternd: initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("starting", "version", Version, "home", homeDir, "port", *port)

	d, err := daemon.New(Version, homeDir, *port)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		d.Shutdown()
		os.Exit(1)
	}

	// ctx cancelled by SIGINT/SIGTERM.
	d.Shutdown()
}
