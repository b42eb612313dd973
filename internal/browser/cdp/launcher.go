// Package cdp implements the browser driver contracts on top of chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
)

var errNotStarted = errors.New("driver not started")

// driverRoot is the long-lived context every browser of a driver derives
// from. Stop cancels it, which tears down anything still open.
type driverRoot struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *driverRoot) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(Detach(ctx))
}

func (r *driverRoot) get() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return nil, errNotStarted
	}
	return r.ctx, nil
}

func (r *driverRoot) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.ctx, r.cancel = nil, nil
}

// Launcher starts a separate Chrome process for every session.
type Launcher struct {
	cfg    LaunchConfig
	logger *zap.Logger
	root   driverRoot
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher; Start must run before Launch.
func NewLauncher(cfg LaunchConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("cdp_launcher")}
}

func (l *Launcher) Start(ctx context.Context) error {
	l.root.start(ctx)
	return nil
}

// Stop kills every browser this launcher started.
func (l *Launcher) Stop(context.Context) error {
	l.root.stop()
	return nil
}

// Launch starts a browser, opens its first tab and applies the viewport.
func (l *Launcher) Launch(ctx context.Context, opts browser.SessionOptions) (*browser.Attachment, error) {
	root, err := l.root.get()
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(root, allocatorOptions(l.cfg, opts)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and ties it to tabCtx, so it must
	// not run on the caller's context.
	err = runUnder(ctx, func() error {
		return chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)))
	})
	if err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	page, err := newPage(tabCtx, l.logger)
	if err != nil {
		tabCancel()
		allocCancel()
		return nil, err
	}
	l.logger.Debug("Browser launched.", zap.Bool("headless", opts.Headless))

	return &browser.Attachment{
		Page:        page,
		OwnsContext: true,
		OwnsPage:    true,
		ClosePage: func(context.Context) error {
			tabCancel()
			return nil
		},
		Disconnect: func(context.Context) error {
			allocCancel()
			return nil
		},
	}, nil
}

// runUnder runs fn in the background and returns early with ctx's error if
// ctx ends first. fn keeps running in that case; callers cancel its contexts.
func runUnder(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
