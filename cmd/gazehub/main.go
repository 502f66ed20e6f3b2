// Package main implements the gazehub entry point. Gazehub is the IPC
// backbone and process supervisor of a desktop eye-tracking suite: one
// supervisor process hosts the message bus and spawns worker processes on
// request; workers run plugin pipelines fed by camera capture.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information constants
const (
	Version   = "3.1.0"
	BuildTime = "dev"
	appName   = "gazehub"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd().Execute()
}
