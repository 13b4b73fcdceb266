// Command pueued is the daemon entrypoint: load configuration, build the
// daemon's components, and run until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pueue-rs/pueued-go/internal/config"
	"github.com/pueue-rs/pueued-go/internal/lifecycle"
	"github.com/pueue-rs/pueued-go/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pueued: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, isatty())

	daemon, err := lifecycle.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize daemon")
	}

	if err := daemon.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

func isatty() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
