package cdp

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Page drives one tab through chromedp. Its context carries the target;
// every call is run on that context combined with the caller's.
type Page struct {
	ctx    context.Context
	logger *zap.Logger
}

var _ browser.Page = (*Page)(nil)

// newPage wraps a chromedp tab context and enables the domains the capture
// listens on.
func newPage(tabCtx context.Context, logger *zap.Logger) (*Page, error) {
	p := &Page{ctx: tabCtx, logger: logger}
	if err := chromedp.Run(tabCtx, network.Enable(), runtime.Enable()); err != nil {
		return nil, fmt.Errorf("failed to enable capture domains: %w", err)
	}
	return p, nil
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 keeps the PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := p.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Page) HTML(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		return p.evalString(ctx, `document.documentElement ? document.documentElement.outerHTML : ""`)
	}
	return p.evalString(ctx, queryExpression(selector, "innerHTML"))
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		return p.evalString(ctx, `document.body ? document.body.innerText : ""`)
	}
	return p.evalString(ctx, queryExpression(selector, "innerText"))
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *Page) Type(ctx context.Context, selector, text string, clearFirst bool) error {
	var actions []chromedp.Action
	if clearFirst {
		actions = append(actions, chromedp.SetValue(selector, "", chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	return p.run(ctx, actions...)
}

// Evaluate runs script, awaiting a returned promise. The value is discarded.
func (p *Page) Evaluate(ctx context.Context, script string) error {
	return p.run(ctx, chromedp.Evaluate(script, nil, awaitPromise))
}

// Observe forwards console and network events of the tab to sink.
func (p *Page) Observe(sink browser.Sink) {
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			sink.ConsoleMessage(string(e.Type), consoleText(e.Args))
		case *network.EventRequestWillBeSent:
			if e.Request != nil {
				sink.RequestIssued(e.Request.Method, e.Request.URL)
			}
		case *network.EventResponseReceived:
			if e.Response != nil {
				sink.ResponseReceived(e.Response.URL, int(e.Response.Status))
			}
		}
	})
}

func (p *Page) evalString(ctx context.Context, expression string) (string, error) {
	var out string
	if err := p.run(ctx, chromedp.Evaluate(expression, &out)); err != nil {
		return "", err
	}
	return out, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// queryExpression reads prop of the first match of selector, or "" when
// nothing matches.
func queryExpression(selector, prop string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? String(el.%s) : ""; })()`, quoted, prop)
}

// consoleText renders console arguments the way DevTools prints them.
func consoleText(args []*runtime.RemoteObject) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteString(" ")
		}
		var val interface{}
		switch {
		case arg == nil:
		case len(arg.Value) > 0 && json.Unmarshal([]byte(arg.Value), &val) == nil:
			b.WriteString(fmt.Sprintf("%v", val))
		case arg.Description != "":
			b.WriteString(arg.Description)
		default:
			b.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}
	return b.String()
}
