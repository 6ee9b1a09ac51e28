// Package main is the entry point for the relmark CLI application.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielolaszy/relmark/cmd"
	"github.com/danielolaszy/relmark/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the entry point of the application.
// It executes the root command and handles any errors that occur.
func main() {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	logging.Debug("starting relmark", "version", version, "log_level", logLevel)

	// Interrupts cancel the running fetch loop
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		logging.Error("command execution failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
