package browser

import (
	"context"
)

// Sink receives page events as the driver observes them. Implementations
// must return quickly; they are called from the driver's event loop.
type Sink interface {
	ConsoleMessage(level, text string)
	RequestIssued(method, url string)
	ResponseReceived(url string, status int)
}

// Page is a driven browser tab. Reads with a selector that matches nothing
// return empty content rather than an error.
type Page interface {
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	// HTML returns the full document for an empty selector, otherwise the
	// inner HTML of the first match.
	HTML(ctx context.Context, selector string) (string, error)
	// Text returns the body's inner text for an empty selector, otherwise
	// the inner text of the first match.
	Text(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
	// Type appends text to the field, or replaces its value when clearFirst is set.
	Type(ctx context.Context, selector, text string, clearFirst bool) error
	Evaluate(ctx context.Context, script string) error
	// Observe registers sink for console and network events of the page.
	Observe(sink Sink)
}

// Attachment is a driven page together with the resources opened to reach
// it. Release closes only what the attachment owns.
type Attachment struct {
	Page        Page
	OwnsContext bool
	OwnsPage    bool

	ClosePage    func(ctx context.Context) error
	CloseContext func(ctx context.Context) error
	Disconnect   func(ctx context.Context) error
}

// Launcher starts a fresh local browser per session.
type Launcher interface {
	Start(ctx context.Context) error
	Launch(ctx context.Context, opts SessionOptions) (*Attachment, error)
	Stop(ctx context.Context) error
}

// Attacher connects to an already running browser over its remote debugging URL.
type Attacher interface {
	Start(ctx context.Context) error
	Attach(ctx context.Context, remoteURL string) (*Attachment, error)
	Stop(ctx context.Context) error
}

// release closes the page, then the context, then disconnects. Each step is
// best effort; failures are reported to onErr and never stop later steps.
func (a *Attachment) release(ctx context.Context, onErr func(step string, err error)) {
	if a == nil {
		return
	}
	if a.OwnsPage && a.ClosePage != nil {
		if err := a.ClosePage(ctx); err != nil {
			onErr("close_page", err)
		}
	}
	if a.OwnsContext && a.CloseContext != nil {
		if err := a.CloseContext(ctx); err != nil {
			onErr("close_context", err)
		}
	}
	if a.Disconnect != nil {
		if err := a.Disconnect(ctx); err != nil {
			onErr("disconnect", err)
		}
	}
}
