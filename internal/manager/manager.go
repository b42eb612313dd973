// Package manager routes session operations to the backend that owns each
// session name and mirrors session state into the persistence store.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

// ErrShutdown is returned by operations that open sessions after Shutdown.
var ErrShutdown = errors.New("manager is shut down")

// Manager owns only the name to backend routing table. Session state lives
// in the backends. Unknown names are resolved by probing the backends in
// priority order, one Lookup per backend, and cached on success.
type Manager struct {
	logger   *zap.Logger
	store    store.Store
	local    browser.Backend
	remote   browser.Backend
	backends []browser.Backend

	mu      sync.RWMutex
	routes  map[string]browser.Backend
	pending map[string]struct{}

	persistMu sync.Mutex
	flushed   map[string]int

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a manager over the given backends. Either backend may be nil
// when its variant is disabled; st may be nil to run without persistence.
func New(logger *zap.Logger, st store.Store, local, remote browser.Backend) *Manager {
	m := &Manager{
		logger:  logger.Named("manager"),
		store:   st,
		local:   local,
		remote:  remote,
		routes:  make(map[string]browser.Backend),
		pending: make(map[string]struct{}),
		flushed: make(map[string]int),
	}
	for _, b := range []browser.Backend{local, remote} {
		if b != nil {
			m.backends = append(m.backends, b)
		}
	}
	return m
}

// claim reserves name across every backend before the slow open starts.
func (m *Manager) claim(op, name string) (func(), error) {
	if m.closed.Load() {
		return nil, &browser.SessionError{Op: op, Session: name, Err: ErrShutdown}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[name]; ok {
		return nil, browser.DuplicateSession(op, name)
	}
	if _, ok := m.pending[name]; ok {
		return nil, browser.DuplicateSession(op, name)
	}
	m.pending[name] = struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
	}, nil
}

func (m *Manager) bind(name string, b browser.Backend) {
	m.mu.Lock()
	m.routes[name] = b
	m.mu.Unlock()
}

// CreateSession opens a new session on the local-launch backend,
// initializing it on first use.
func (m *Manager) CreateSession(ctx context.Context, name string, opts browser.SessionOptions) (string, error) {
	if m.local == nil {
		return "", &browser.SessionError{Op: "create_session", Session: name, Err: browser.ErrUnsupported}
	}
	release, err := m.claim("create_session", name)
	if err != nil {
		return "", err
	}
	defer release()

	if err := m.local.Initialize(ctx); err != nil {
		return "", err
	}
	created, err := m.local.CreateSession(ctx, name, opts)
	if err != nil {
		return "", err
	}
	m.bind(created, m.local)
	m.begin(ctx, m.local, created)
	return created, nil
}

// ConnectSession attaches a new session to the browser at cdpURL through
// the remote-attach backend, initializing it on first use.
func (m *Manager) ConnectSession(ctx context.Context, name, cdpURL string) (string, error) {
	connector, ok := m.remote.(browser.Connector)
	if m.remote == nil || !ok {
		return "", &browser.SessionError{Op: "connect_session", Session: name, Err: browser.ErrUnsupported}
	}
	release, err := m.claim("connect_session", name)
	if err != nil {
		return "", err
	}
	defer release()

	if err := m.remote.Initialize(ctx); err != nil {
		return "", err
	}
	connected, err := connector.ConnectSession(ctx, name, cdpURL)
	if err != nil {
		return "", err
	}
	m.bind(connected, m.remote)
	m.begin(ctx, m.remote, connected)
	return connected, nil
}

// resolve finds the backend owning name, probing initialized backends in
// priority order when the route is not cached.
func (m *Manager) resolve(ctx context.Context, op, name string) (browser.Backend, error) {
	m.mu.RLock()
	b, ok := m.routes[name]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	for _, candidate := range m.backends {
		if !candidate.Initialized() {
			continue
		}
		if _, owned := candidate.Lookup(ctx, name); owned {
			m.bind(name, candidate)
			m.logger.Debug("Resolved session by probing.", zap.String("session", name), zap.String("backend", candidate.Kind()))
			return candidate, nil
		}
	}
	return nil, browser.NotFound(op, name)
}

// DestroySession tears the session down and records a closed snapshot.
// Unknown names report false without error.
func (m *Manager) DestroySession(ctx context.Context, name string) (bool, error) {
	b, err := m.resolve(ctx, "destroy_session", name)
	if err != nil {
		if browser.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	// Capture what the closed snapshot needs before the backend forgets it.
	info, _ := b.Lookup(ctx, name)
	log, logErr := b.EventLog(name)

	destroyed, err := b.DestroySession(ctx, name)
	if err != nil || !destroyed {
		return destroyed, err
	}

	m.mu.Lock()
	delete(m.routes, name)
	m.mu.Unlock()

	if logErr == nil {
		info.Name = name
		info.Status = browser.StatusClosed
		m.save(ctx, info, log)
	}
	m.persistMu.Lock()
	delete(m.flushed, name)
	m.persistMu.Unlock()
	return true, nil
}

// ListSessions describes the sessions of every initialized backend, local first.
func (m *Manager) ListSessions(ctx context.Context) ([]browser.SessionInfo, error) {
	var out []browser.SessionInfo
	for _, b := range m.backends {
		if !b.Initialized() {
			continue
		}
		infos, err := b.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		for _, info := range infos {
			if _, ok := m.routes[info.Name]; !ok {
				m.routes[info.Name] = b
			}
		}
		m.mu.Unlock()
		out = append(out, infos...)
	}
	return out, nil
}

func (m *Manager) IsEscalated(ctx context.Context, name string) (bool, error) {
	b, err := m.resolve(ctx, "is_escalated", name)
	if err != nil {
		return false, err
	}
	return b.IsEscalated(name)
}

// EscalateSession unlocks actions on name and persists the new status.
func (m *Manager) EscalateSession(ctx context.Context, name, reason string) (browser.EscalationResult, error) {
	b, err := m.resolve(ctx, "escalate_session", name)
	if err != nil {
		return browser.EscalationResult{}, err
	}
	res, err := b.EscalateSession(ctx, name, reason)
	if err != nil {
		return browser.EscalationResult{}, err
	}
	m.persist(ctx, b, name)
	return res, nil
}

// Events returns a copy of the session's audit trail in insertion order.
func (m *Manager) Events(ctx context.Context, name string) ([]events.Event, error) {
	b, err := m.resolve(ctx, "event_log", name)
	if err != nil {
		return nil, err
	}
	log, err := b.EventLog(name)
	if err != nil {
		return nil, err
	}
	return log.Events(), nil
}

func (m *Manager) Navigate(ctx context.Context, session, url string) (browser.NavigateResult, error) {
	b, err := m.resolve(ctx, "navigate", session)
	if err != nil {
		return browser.NavigateResult{}, err
	}
	defer m.flush(ctx, b, session)
	return b.Navigate(ctx, session, url)
}

func (m *Manager) Screenshot(ctx context.Context, session string, fullPage bool) ([]byte, error) {
	b, err := m.resolve(ctx, "screenshot", session)
	if err != nil {
		return nil, err
	}
	defer m.flush(ctx, b, session)
	return b.Screenshot(ctx, session, fullPage)
}

func (m *Manager) DOM(ctx context.Context, session, selector string) (browser.DOMSnapshot, error) {
	b, err := m.resolve(ctx, "get_dom", session)
	if err != nil {
		return browser.DOMSnapshot{}, err
	}
	defer m.flush(ctx, b, session)
	return b.DOM(ctx, session, selector)
}

func (m *Manager) Text(ctx context.Context, session, selector string) (browser.TextResult, error) {
	b, err := m.resolve(ctx, "get_text", session)
	if err != nil {
		return browser.TextResult{}, err
	}
	defer m.flush(ctx, b, session)
	return b.Text(ctx, session, selector)
}

func (m *Manager) ConsoleLogs(ctx context.Context, session string) ([]browser.ConsoleEntry, error) {
	b, err := m.resolve(ctx, "get_console_logs", session)
	if err != nil {
		return nil, err
	}
	defer m.flush(ctx, b, session)
	return b.ConsoleLogs(ctx, session)
}

func (m *Manager) NetworkLogs(ctx context.Context, session string) ([]browser.NetworkEntry, error) {
	b, err := m.resolve(ctx, "get_network_logs", session)
	if err != nil {
		return nil, err
	}
	defer m.flush(ctx, b, session)
	return b.NetworkLogs(ctx, session)
}

func (m *Manager) Click(ctx context.Context, session, selector, reason string) (*browser.ActionResult, error) {
	b, err := m.resolve(ctx, "click", session)
	if err != nil {
		return nil, err
	}
	defer m.flush(ctx, b, session)
	return b.Click(ctx, session, selector, reason)
}

func (m *Manager) Type(ctx context.Context, session, selector, text, reason string, clearFirst bool) (*browser.ActionResult, error) {
	b, err := m.resolve(ctx, "type_text", session)
	if err != nil {
		return nil, err
	}
	defer m.flush(ctx, b, session)
	return b.Type(ctx, session, selector, text, reason, clearFirst)
}

func (m *Manager) Execute(ctx context.Context, session, script, reason string) (*browser.ActionResult, error) {
	b, err := m.resolve(ctx, "execute_script", session)
	if err != nil {
		return nil, err
	}
	defer m.flush(ctx, b, session)
	return b.Execute(ctx, session, script, reason)
}

// Shutdown destroys every routed session through the audited path, then
// shuts the backends down concurrently. Later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.closed.Store(true)
		m.logger.Info("Shutting down session manager.")

		m.mu.RLock()
		names := make([]string, 0, len(m.routes))
		for name := range m.routes {
			names = append(names, name)
		}
		m.mu.RUnlock()
		sort.Strings(names)

		for _, name := range names {
			if _, err := m.DestroySession(ctx, name); err != nil {
				m.logger.Warn("Failed to destroy session during shutdown.", zap.String("session", name), zap.Error(err))
			}
		}

		var g errgroup.Group
		for _, b := range m.backends {
			b := b
			g.Go(func() error { return b.Shutdown(ctx) })
		}
		m.shutdownErr = g.Wait()
		m.logger.Info("Session manager shut down.")
	})
	return m.shutdownErr
}
