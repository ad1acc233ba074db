package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsulaLabs/agentgate/client"
	"github.com/fatih/color"
)

const (
	exitSuccess = 0
	exitError   = 1
	// exitTimeout lets scripts tell "nothing happened in time" from a failure.
	exitTimeout = 3
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(exitSuccess)
		}
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, client.ErrWaitTimeout) {
			os.Exit(exitTimeout)
		}
		os.Exit(exitError)
	}
}
