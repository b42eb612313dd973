// Package browser implements the policy-gated session backends. Observation
// operations are always permitted; actions require an explicit, reasoned
// escalation and every operation lands in the session's audit log.
package browser

import (
	"context"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

// Backend kinds, in routing priority order.
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// Backend is the capability shared by the local-launch and remote-attach
// variants. Session operations fail with ErrNotInitialized until Initialize
// has been called.
type Backend interface {
	Kind() string

	Initialize(ctx context.Context) error
	Initialized() bool
	Shutdown(ctx context.Context) error

	CreateSession(ctx context.Context, name string, opts SessionOptions) (string, error)
	DestroySession(ctx context.Context, name string) (bool, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	// Lookup returns the session's info, or false when this backend does not own it.
	Lookup(ctx context.Context, name string) (SessionInfo, bool)

	IsEscalated(name string) (bool, error)
	EscalateSession(ctx context.Context, name, reason string) (EscalationResult, error)
	EventLog(name string) (*events.Log, error)
	// LogEvent appends to the owning session's log and silently drops events
	// for unknown sessions.
	LogEvent(e events.Event)

	Navigate(ctx context.Context, session, url string) (NavigateResult, error)
	Screenshot(ctx context.Context, session string, fullPage bool) ([]byte, error)
	DOM(ctx context.Context, session, selector string) (DOMSnapshot, error)
	Text(ctx context.Context, session, selector string) (TextResult, error)
	ConsoleLogs(ctx context.Context, session string) ([]ConsoleEntry, error)
	NetworkLogs(ctx context.Context, session string) ([]NetworkEntry, error)

	Click(ctx context.Context, session, selector, reason string) (*ActionResult, error)
	Type(ctx context.Context, session, selector, text, reason string, clearFirst bool) (*ActionResult, error)
	Execute(ctx context.Context, session, script, reason string) (*ActionResult, error)
}

// Connector is implemented by backends that attach to running browsers.
type Connector interface {
	ConnectSession(ctx context.Context, name, remoteURL string) (string, error)
}
