package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	appLog "icssync/internal/log"
)

var version = "0.1.0-dev"

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		appLog.Error("icssync failed", err)
		os.Exit(1)
	}
}
