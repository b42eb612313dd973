// Package mcp exposes the session manager as MCP tools over stdio or
// streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser/cdp"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/config"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/manager"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/metrics"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/observability"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

const defaultShutdownTimeout = 10 * time.Second

// Server hosts the MCP tool surface and owns every long lived dependency:
// the session manager, the store, the metrics registry and the tracer.
type Server struct {
	cfg     config.Interface
	logger  *zap.Logger
	version string

	metrics *metrics.Collector
	tracer  *observability.TracerProvider
	store   store.Store
	manager *manager.Manager

	mcp        *mcpserver.MCPServer
	streamable *mcpserver.StreamableHTTPServer
	httpServer *http.Server

	in  io.Reader
	out io.Writer

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	in       io.Reader
	out      io.Writer
	launcher browser.Launcher
	attacher browser.Attacher
	store    store.Store
	storeSet bool
}

// Option customizes NewServer.
type Option func(*options)

// WithIO replaces stdin and stdout for the stdio transport.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(o *options) { o.in, o.out = in, out }
}

// WithDrivers replaces the Chrome launcher and attacher. A nil attacher
// keeps the default one.
func WithDrivers(launcher browser.Launcher, attacher browser.Attacher) Option {
	return func(o *options) { o.launcher, o.attacher = launcher, attacher }
}

// WithStore uses st instead of opening the configured database. A nil
// store disables persistence.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store, o.storeSet = st, true }
}

// NewServer initializes the MCP server and its dependencies. Nothing is
// launched until a tool asks for a session.
func NewServer(ctx context.Context, cfg config.Interface, logger *zap.Logger, version string, opts ...Option) (*Server, error) {
	o := options{in: os.Stdin, out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.Named("mcp")
	logger.Info("MCP server initialization started.", zap.String("version", version))

	// 1. Tracing. Spans go to stderr so stdout stays reserved for the protocol.
	tracer, err := observability.NewTracerProvider(ctx, cfg.Tracing(), version, os.Stderr)
	if err != nil {
		return nil, err
	}

	// 2. Persistence.
	st := o.store
	if !o.storeSet {
		st, err = store.Open(ctx, cfg.Database(), logger)
		switch {
		case errors.Is(err, store.ErrDisabled):
			logger.Warn("Database persistence disabled. Session history will not be recorded.")
			st = nil
		case err != nil:
			_ = tracer.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open session store: %w", err)
		default:
			logger.Info("Session store opened.", zap.String("driver", cfg.Database().Driver))
		}
	}

	// 3. Backends.
	collector := metrics.New()
	browserCfg := cfg.Browser()
	backendOpts := browser.Options{
		SettleDelay:   browserCfg.SettleDelay,
		ActionTimeout: browserCfg.ActionTimeout,
		DOMMaxLength:  browserCfg.DOMMaxLength,
		MaxSessions:   browserCfg.MaxSessions,
		ActionRate:    browserCfg.ActionRate,
		ActionBurst:   browserCfg.ActionBurst,
		CaptureBuffer: browserCfg.CaptureBuffer,
		Observer:      collector,
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = cdp.NewLauncher(cdp.LaunchConfig{
			ExecPath:        browserCfg.ExecPath,
			IgnoreTLSErrors: browserCfg.IgnoreTLSErrors,
			Args:            browserCfg.Args,
		}, logger)
	}
	local := browser.NewLocalBackend(launcher, logger, backendOpts, browserCfg.Headless)

	var remote browser.Backend
	if cfg.Remote().Enabled {
		attacher := o.attacher
		if attacher == nil {
			attacher = cdp.NewAttacher(cfg.Remote().ConnectTimeout, logger)
		}
		remote = browser.NewRemoteBackend(attacher, logger, backendOpts)
	} else {
		logger.Info("Remote attach disabled; session.connect will be rejected.")
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		metrics: collector,
		tracer:  tracer,
		store:   st,
		manager: manager.New(logger, st, local, remote),
		in:      o.in,
		out:     o.out,
	}

	// 4. Tool surface.
	s.mcp = mcpserver.NewMCPServer(cfg.Server().Name, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	s.registerTools(s.mcp)
	s.streamable = mcpserver.NewStreamableHTTPServer(s.mcp)

	logger.Info("MCP server initialized.", zap.Bool("persistence", st != nil), zap.Bool("remote", remote != nil))
	return s, nil
}

// Manager returns the session manager behind the tools.
func (s *Server) Manager() *manager.Manager { return s.manager }

// Start serves the configured transport until ctx is cancelled or the stdio
// peer disconnects, then releases every resource.
func (s *Server) Start(ctx context.Context) error {
	defer observability.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	serverCfg := s.cfg.Server()
	switch serverCfg.Transport {
	case config.TransportStdio, "":
		g.Go(func() error {
			// The peer closing stdin ends the process.
			defer cancel()
			return s.serveStdio(gctx)
		})
		if serverCfg.MetricsAddr != "" {
			s.serveHTTP(g, gctx, serverCfg.MetricsAddr, s.Routes(false))
		}
	case config.TransportHTTP:
		s.serveHTTP(g, gctx, serverCfg.Addr, s.Routes(true))
	default:
		cancel()
		_ = s.Close(context.Background())
		return fmt.Errorf("unknown transport %q", serverCfg.Transport)
	}

	err := g.Wait()
	if closeErr := s.Close(context.Background()); closeErr != nil {
		s.logger.Error("Shutdown completed with errors.", zap.Error(closeErr))
	}
	return err
}

func (s *Server) serveStdio(ctx context.Context) error {
	s.logger.Info("Serving MCP over stdio.")
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger.Named("stdio")))
	err := stdio.Listen(ctx, s.in, s.out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio transport failed: %w", err)
	}
	s.logger.Info("Stdio transport closed.")
	return nil
}

// serveHTTP runs handler on addr and stops it gracefully when ctx is done.
func (s *Server) serveHTTP(g *errgroup.Group, ctx context.Context, addr string, handler http.Handler) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer

	g.Go(func() error {
		s.logger.Info("HTTP listener starting.", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener on %s failed: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		if err := s.streamable.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Streamable HTTP transport shutdown error.", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
}

func (s *Server) shutdownTimeout() time.Duration {
	if t := s.cfg.Server().ShutdownTimeout; t > 0 {
		return t
	}
	return defaultShutdownTimeout
}

// Close destroys all sessions, flushes spans and closes the store. It is
// safe to call more than once.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout())
		defer cancel()

		var errs []error
		s.logger.Info("Shutting down MCP server.")
		if err := s.manager.Shutdown(ctx); err != nil {
			s.logger.Error("Session manager shutdown error.", zap.Error(err))
			errs = append(errs, err)
		}
		if err := s.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Error("Failed to close session store.", zap.Error(err))
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("MCP server stopped.")
	})
	return s.closeErr
}
