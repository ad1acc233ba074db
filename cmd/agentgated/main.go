package main

import (
	"errors"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/InsulaLabs/agentgate/runtime"
)

func main() {
	// badger and a few transitive deps write to the std logger; everything
	// we care about goes through slog
	log.SetOutput(io.Discard)

	rt, err := runtime.New(os.Args[1:], "agentgate.yaml")
	if errors.Is(err, runtime.ErrConfigGenerated) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
