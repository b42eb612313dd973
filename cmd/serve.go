package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/config"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/mcp"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/observability"
)

// serveFunc runs the server until ctx is done. Tests replace it.
type serveFunc func(ctx context.Context, cfg config.Interface, logger *zap.Logger) error

// newServeCmd creates the `serve` command.
func newServeCmd(run serveFunc) *cobra.Command {
	var transport, addr string
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser tools over MCP",
		Long: `Serves the session, inspect and act tools over MCP.

The default stdio transport speaks JSON-RPC on stdin/stdout and is what
MCP clients launch as a subprocess. The http transport serves the
streamable MCP endpoint at /mcp together with /healthz and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			// Flags override file and environment only when given.
			if cmd.Flags().Changed("transport") {
				cfg.SetServerTransport(transport)
			}
			if cmd.Flags().Changed("addr") {
				cfg.SetServerAddr(addr)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			serverCfg := cfg.Server()
			if err := serverCfg.Validate(); err != nil {
				return fmt.Errorf("invalid server flags: %w", err)
			}
			return run(ctx, cfg, observability.GetLogger())
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", config.TransportStdio, "MCP transport: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for the http transport")
	cmd.Flags().BoolVar(&headless, "headless", false, "launch local browsers without a window unless a tool call says otherwise")
	return cmd
}

// runServe builds the MCP server and blocks until it stops.
func runServe(ctx context.Context, cfg config.Interface, logger *zap.Logger) error {
	server, err := mcp.NewServer(ctx, cfg, logger, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server: %w", err)
	}
	return server.Start(ctx)
}
