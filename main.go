// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/xkilldash9x/browser-instrumentation-mcp/cmd"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

// main is the entry point for the browser-instrumentation-mcp server.
func main() {
	// A .env file is optional; real environment variables take precedence.
	_ = godotenv.Load()

	// Cancel on SIGINT or SIGTERM so sessions are torn down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		osExit(1)
	}
}
