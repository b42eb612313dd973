package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
)

// DefaultConnectTimeout bounds the DevTools handshake with a remote browser.
const DefaultConnectTimeout = 10 * time.Second

// Attacher connects to browsers that expose a remote debugging endpoint.
// It reuses an open page when one exists and otherwise creates what it
// needs, remembering what it created so only that is closed later.
type Attacher struct {
	logger         *zap.Logger
	connectTimeout time.Duration
	root           driverRoot
}

var _ browser.Attacher = (*Attacher)(nil)

// NewAttacher returns an attacher; Start must run before Attach.
func NewAttacher(connectTimeout time.Duration, logger *zap.Logger) *Attacher {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Attacher{logger: logger.Named("cdp_attacher"), connectTimeout: connectTimeout}
}

func (a *Attacher) Start(ctx context.Context) error {
	a.root.start(ctx)
	return nil
}

// Stop drops every remaining connection. Remote browsers keep running.
func (a *Attacher) Stop(context.Context) error {
	a.root.stop()
	return nil
}

// Attach connects to remoteURL, an http(s) DevTools endpoint or a ws(s)
// browser socket.
func (a *Attacher) Attach(ctx context.Context, remoteURL string) (*browser.Attachment, error) {
	root, err := a.root.get()
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(root, remoteURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	disconnect := func() {
		browserCancel()
		allocCancel()
	}

	cctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	var infos []*target.Info
	err = runUnder(cctx, func() (err error) {
		// Targets connects without opening a tab.
		infos, err = chromedp.Targets(browserCtx)
		return err
	})
	if err != nil {
		disconnect()
		return nil, fmt.Errorf("failed to reach remote browser: %w", err)
	}

	plan, err := a.plan(cctx, browserCtx, infos)
	if err != nil {
		disconnect()
		return nil, err
	}

	// The tab context must not inherit cancellation from browserCtx:
	// chromedp closes the target when a remote tab context ends.
	tabCtx, tabCancel := chromedp.NewContext(Detach(browserCtx), chromedp.WithTargetID(plan.targetID))
	release := func(ctx context.Context) error {
		disconnect()
		if err := awaitDisconnect(ctx, browserCtx, a.connectTimeout); err != nil && !plan.ownsPage {
			// Releasing the tab while the socket is open would close a page we do not own.
			a.logger.Warn("Remote connection did not close; keeping tab context.",
				zap.String("target_id", string(plan.targetID)), zap.Error(err))
			return fmt.Errorf("failed to confirm disconnect: %w", err)
		}
		// With the socket gone chromedp's detach and close requests go
		// nowhere, but it waits up to a second for their replies.
		go tabCancel()
		return nil
	}

	p, err := newPageUnder(cctx, tabCtx, a.logger)
	if err != nil {
		a.cleanup(browserCtx, plan)
		_ = release(context.Background())
		return nil, err
	}

	a.logger.Info("Attached to remote browser.",
		zap.String("target_id", string(plan.targetID)),
		zap.Bool("owns_context", plan.ownsContext),
		zap.Bool("owns_page", plan.ownsPage),
	)

	return &browser.Attachment{
		Page:        p,
		OwnsContext: plan.ownsContext,
		OwnsPage:    plan.ownsPage,
		ClosePage: func(ctx context.Context) error {
			return target.CloseTarget(plan.targetID).Do(browserExecutor(ctx, browserCtx))
		},
		CloseContext: func(ctx context.Context) error {
			return target.DisposeBrowserContext(plan.contextID).Do(browserExecutor(ctx, browserCtx))
		},
		Disconnect: release,
	}, nil
}

// awaitDisconnect blocks until the websocket in browserCtx is closed.
func awaitDisconnect(ctx, browserCtx context.Context, timeout time.Duration) error {
	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.Browser.LostConnection:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("websocket still open")
	}
}

// attachPlan is the target a session will drive and what was created for it.
type attachPlan struct {
	targetID    target.ID
	contextID   cdproto.BrowserContextID
	ownsContext bool
	ownsPage    bool
}

// plan picks an existing page, or creates a page in an existing browser
// context, or creates both.
func (a *Attacher) plan(ctx, browserCtx context.Context, infos []*target.Info) (attachPlan, error) {
	if info := firstPage(infos); info != nil {
		return attachPlan{targetID: info.TargetID, contextID: info.BrowserContextID}, nil
	}

	exec := browserExecutor(ctx, browserCtx)
	contexts, err := target.GetBrowserContexts().Do(exec)
	if err != nil {
		return attachPlan{}, fmt.Errorf("failed to list browser contexts: %w", err)
	}

	var p attachPlan
	if len(contexts) > 0 {
		p.contextID = contexts[0]
	} else {
		id, err := target.CreateBrowserContext().Do(exec)
		if err != nil {
			return attachPlan{}, fmt.Errorf("failed to create browser context: %w", err)
		}
		p.contextID = id
		p.ownsContext = true
	}

	id, err := target.CreateTarget("about:blank").WithBrowserContextID(p.contextID).Do(exec)
	if err != nil {
		if p.ownsContext {
			_ = target.DisposeBrowserContext(p.contextID).Do(exec)
		}
		return attachPlan{}, fmt.Errorf("failed to create page: %w", err)
	}
	p.targetID = id
	p.ownsPage = true
	return p, nil
}

// cleanup undoes what plan created when the attach fails afterwards.
func (a *Attacher) cleanup(browserCtx context.Context, p attachPlan) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec := browserExecutor(ctx, browserCtx)
	if p.ownsPage {
		if err := target.CloseTarget(p.targetID).Do(exec); err != nil {
			a.logger.Debug("Ignoring page cleanup failure.", zap.Error(err))
		}
	}
	if p.ownsContext {
		if err := target.DisposeBrowserContext(p.contextID).Do(exec); err != nil {
			a.logger.Debug("Ignoring context cleanup failure.", zap.Error(err))
		}
	}
}

// firstPage returns the first ordinary page target, skipping DevTools and
// extension pages.
func firstPage(infos []*target.Info) *target.Info {
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		if strings.HasPrefix(info.URL, "devtools://") || strings.HasPrefix(info.URL, "chrome-extension://") {
			continue
		}
		return info
	}
	return nil
}

// browserExecutor binds browser-level commands to the connection in
// browserCtx so they do not open a tab.
func browserExecutor(ctx, browserCtx context.Context) context.Context {
	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil {
		return ctx
	}
	return cdproto.WithExecutor(ctx, c.Browser)
}

// newPageUnder attaches to the tab and enables capture, giving up when ctx ends.
func newPageUnder(ctx, tabCtx context.Context, logger *zap.Logger) (*Page, error) {
	var p *Page
	err := runUnder(ctx, func() (err error) {
		p, err = newPage(tabCtx, logger)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to page: %w", err)
	}
	return p, nil
}
