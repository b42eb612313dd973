// Package browsertest provides in-memory page and driver doubles for
// exercising backends without a real browser.
package browsertest

import (
	"context"
	"errors"
	"sync"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
)

// Page is a scriptable stand-in for a browser tab.
type Page struct {
	mu         sync.Mutex
	url        string
	title      string
	html       map[string]string
	text       map[string]string
	titles     map[string]string
	screenshot []byte
	sink       browser.Sink

	// Hooks run in place of the default behavior when set.
	OnClick    func(p *Page, selector string) error
	OnType     func(p *Page, selector, text string, clearFirst bool) error
	OnEvaluate func(p *Page, script string) error

	NavigateErr error
	URLErr      error
	HTMLErr     error
	// BlockActions makes Click, Type and Evaluate wait for their context.
	BlockActions bool

	calls []string
}

var _ browser.Page = (*Page)(nil)

// NewPage returns a blank page.
func NewPage() *Page {
	return &Page{
		url:        "about:blank",
		html:       map[string]string{"": "<html><head></head><body></body></html>"},
		text:       map[string]string{"": ""},
		titles:     map[string]string{},
		screenshot: []byte{0x89, 'P', 'N', 'G'},
	}
}

// SetURL moves the page without emitting network traffic.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// SetTitleFor registers the title shown after navigating to url.
func (p *Page) SetTitleFor(url, title string) {
	p.mu.Lock()
	p.titles[url] = title
	p.mu.Unlock()
}

// SetHTML registers the HTML returned for selector ("" is the document).
func (p *Page) SetHTML(selector, html string) {
	p.mu.Lock()
	p.html[selector] = html
	p.mu.Unlock()
}

// SetText registers the text returned for selector ("" is the body).
func (p *Page) SetText(selector, text string) {
	p.mu.Lock()
	p.text[selector] = text
	p.mu.Unlock()
}

// SetScreenshot sets the bytes returned by Screenshot.
func (p *Page) SetScreenshot(b []byte) {
	p.mu.Lock()
	p.screenshot = b
	p.mu.Unlock()
}

// EmitConsole delivers a console message to the observing sink.
func (p *Page) EmitConsole(level, text string) {
	if s := p.observer(); s != nil {
		s.ConsoleMessage(level, text)
	}
}

// EmitRequest delivers an outgoing request to the observing sink.
func (p *Page) EmitRequest(method, url string) {
	if s := p.observer(); s != nil {
		s.RequestIssued(method, url)
	}
}

// EmitResponse delivers a response to the observing sink.
func (p *Page) EmitResponse(url string, status int) {
	if s := p.observer(); s != nil {
		s.ResponseReceived(url, status)
	}
}

// Calls returns the recorded driver calls in order.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Page) observer() browser.Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *Page) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.URLErr != nil {
		return "", p.URLErr
	}
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

// Navigate moves to url and reports a GET with a 200 response.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.record("navigate " + url)
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.title = p.titles[url]
	p.mu.Unlock()
	p.EmitRequest("GET", url)
	p.EmitResponse(url, 200)
	return nil
}

func (p *Page) Screenshot(_ context.Context, fullPage bool) ([]byte, error) {
	if fullPage {
		p.record("screenshot full")
	} else {
		p.record("screenshot")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.screenshot))
	copy(out, p.screenshot)
	return out, nil
}

func (p *Page) HTML(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HTMLErr != nil {
		return "", p.HTMLErr
	}
	return p.html[selector], nil
}

func (p *Page) Text(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text[selector], nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.record("click " + selector)
	if p.OnClick != nil {
		return p.OnClick(p, selector)
	}
	return p.wait(ctx)
}

func (p *Page) Type(ctx context.Context, selector, text string, clearFirst bool) error {
	p.record("type " + selector)
	if p.OnType != nil {
		return p.OnType(p, selector, text, clearFirst)
	}
	return p.wait(ctx)
}

func (p *Page) Evaluate(ctx context.Context, script string) error {
	p.record("evaluate")
	if p.OnEvaluate != nil {
		return p.OnEvaluate(p, script)
	}
	return p.wait(ctx)
}

func (p *Page) wait(ctx context.Context) error {
	if p.BlockActions {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (p *Page) Observe(sink browser.Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Releases records the release steps invoked on attachments, in order.
type Releases struct {
	mu    sync.Mutex
	steps []string
}

func (r *Releases) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

// Steps returns the recorded release steps.
func (r *Releases) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.steps))
	copy(out, r.steps)
	return out
}

// Launcher hands out fresh fake pages.
type Launcher struct {
	Releases
	mu        sync.Mutex
	started   int
	stopped   int
	pages     []*Page
	launches  []browser.SessionOptions
	LaunchErr error
	// ClosePageErr fails the page close step to exercise best-effort cleanup.
	ClosePageErr error
	// NewPage overrides page construction.
	NewPage func() *Page
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Start(context.Context) error {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
	return nil
}

func (l *Launcher) Stop(context.Context) error {
	l.mu.Lock()
	l.stopped++
	l.mu.Unlock()
	return nil
}

func (l *Launcher) Launch(_ context.Context, opts browser.SessionOptions) (*browser.Attachment, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	page := NewPage()
	if l.NewPage != nil {
		page = l.NewPage()
	}
	l.mu.Lock()
	l.pages = append(l.pages, page)
	l.launches = append(l.launches, opts)
	l.mu.Unlock()
	return &browser.Attachment{
		Page: page,
		ClosePage: func(context.Context) error {
			l.add("close_page")
			return l.ClosePageErr
		},
		CloseContext: func(context.Context) error {
			l.add("close_context")
			return nil
		},
		Disconnect: func(context.Context) error {
			l.add("disconnect")
			return nil
		},
	}, nil
}

// Counts returns how often Start and Stop ran.
func (l *Launcher) Counts() (started, stopped int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started, l.stopped
}

// Pages returns the pages launched so far.
func (l *Launcher) Pages() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.pages...)
}

// LastPage returns the most recently launched page.
func (l *Launcher) LastPage() *Page {
	pages := l.Pages()
	if len(pages) == 0 {
		return nil
	}
	return pages[len(pages)-1]
}

// Launches returns the options passed to each Launch.
func (l *Launcher) Launches() []browser.SessionOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.SessionOptions(nil), l.launches...)
}

// ErrUnreachable is returned by Attacher for unknown endpoints.
var ErrUnreachable = errors.New("remote browser unreachable")

// Attacher simulates remote browsers keyed by debugging URL.
type Attacher struct {
	Releases
	mu      sync.Mutex
	started int
	stopped int
	// Existing maps a URL to a browser that already has a context and page.
	// URLs missing from both maps are unreachable.
	Existing map[string]*Page
	// Empty lists URLs of browsers with no context or page yet.
	Empty map[string]bool
	pages map[string]*Page
}

var _ browser.Attacher = (*Attacher)(nil)

// NewAttacher returns an attacher with no known browsers.
func NewAttacher() *Attacher {
	return &Attacher{Existing: map[string]*Page{}, Empty: map[string]bool{}, pages: map[string]*Page{}}
}

func (a *Attacher) Start(context.Context) error {
	a.mu.Lock()
	a.started++
	a.mu.Unlock()
	return nil
}

func (a *Attacher) Stop(context.Context) error {
	a.mu.Lock()
	a.stopped++
	a.mu.Unlock()
	return nil
}

func (a *Attacher) Attach(_ context.Context, remoteURL string) (*browser.Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	att := &browser.Attachment{
		ClosePage:    func(context.Context) error { a.add("close_page"); return nil },
		CloseContext: func(context.Context) error { a.add("close_context"); return nil },
		Disconnect:   func(context.Context) error { a.add("disconnect"); return nil },
	}
	switch {
	case a.Existing[remoteURL] != nil:
		att.Page = a.Existing[remoteURL]
	case a.Empty[remoteURL]:
		page := NewPage()
		a.pages[remoteURL] = page
		att.Page = page
		att.OwnsContext, att.OwnsPage = true, true
	default:
		return nil, ErrUnreachable
	}
	return att, nil
}

// Counts returns how often Start and Stop ran.
func (a *Attacher) Counts() (started, stopped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started, a.stopped
}

// CreatedPage returns the page created for an empty browser at url.
func (a *Attacher) CreatedPage(url string) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[url]
}
