package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/observability"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultSettleDelay    = 100 * time.Millisecond
	DefaultActionTimeout  = 5 * time.Second
	DefaultDOMMaxLength   = 100000
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720

	urlQueryTimeout = 2 * time.Second
)

// Options tune the behavior shared by both backend variants.
type Options struct {
	// SettleDelay is waited after an action before post-state is captured.
	// It is a heuristic: slower asynchronous effects are not observed.
	SettleDelay   time.Duration
	ActionTimeout time.Duration
	DOMMaxLength  int
	// MaxSessions caps concurrently open sessions; zero means unlimited.
	MaxSessions int64
	// ActionRate is the per-session action budget per second; zero means unlimited.
	ActionRate    float64
	ActionBurst   int
	CaptureBuffer int
	Observer      Observer
}

func (o Options) withDefaults() Options {
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	} else if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultActionTimeout
	}
	if o.DOMMaxLength <= 0 {
		o.DOMMaxLength = DefaultDOMMaxLength
	}
	if o.ActionBurst <= 0 {
		o.ActionBurst = 1
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Observer receives lifecycle notifications, typically to feed metrics.
type Observer interface {
	SessionOpened(backend string)
	SessionClosed(backend string)
	EventLogged(backend string, typ events.Type)
	ActionObserved(action string, confidence Confidence)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string)              {}
func (nopObserver) SessionClosed(string)              {}
func (nopObserver) EventLogged(string, events.Type)   {}
func (nopObserver) ActionObserved(string, Confidence) {}

// core holds the session table and operations common to both variants.
type core struct {
	kind     string
	logger   *zap.Logger
	opts     Options
	sessions map[string]*session
	pending  map[string]struct{}
	slots    *semaphore.Weighted
	now      func() time.Time

	mu          sync.RWMutex
	initialized bool
}

func newCore(kind string, logger *zap.Logger, opts Options) *core {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	c := &core{
		kind:     kind,
		logger:   logger.Named(kind + "_backend"),
		opts:     opts,
		sessions: make(map[string]*session),
		pending:  make(map[string]struct{}),
		now:      time.Now,
	}
	if opts.MaxSessions > 0 {
		c.slots = semaphore.NewWeighted(opts.MaxSessions)
	}
	return c
}

// Kind names the variant, e.g. "local" or "remote".
func (c *core) Kind() string { return c.kind }

// Initialized reports whether Initialize has completed.
func (c *core) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *core) initialize(ctx context.Context, start func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := start(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s backend: %w", c.kind, err)
	}
	c.initialized = true
	c.logger.Info("Backend initialized.")
	return nil
}

// shutdown destroys every session through the audited path, then stops the driver.
func (c *core) shutdown(ctx context.Context, stop func(context.Context) error) error {
	if !c.Initialized() {
		return nil
	}
	for _, name := range c.names() {
		if _, err := c.DestroySession(ctx, name); err != nil {
			c.logger.Warn("Failed to destroy session during shutdown.", zap.String("session", name), zap.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	c.initialized = false
	if err := stop(ctx); err != nil {
		return fmt.Errorf("failed to stop %s driver: %w", c.kind, err)
	}
	c.logger.Info("Backend shut down.")
	return nil
}

func (c *core) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.sessions))
	for name := range c.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reserve claims name ahead of the slow driver work. The returned func
// releases the claim when the open fails.
func (c *core) reserve(op, name string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, notInitialized(op)
	}
	if _, ok := c.sessions[name]; ok {
		return nil, duplicate(op, name)
	}
	if _, ok := c.pending[name]; ok {
		return nil, duplicate(op, name)
	}
	if c.slots != nil && !c.slots.TryAcquire(1) {
		return nil, sessionLimit(op, name, c.opts.MaxSessions)
	}
	c.pending[name] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.pending, name)
		c.mu.Unlock()
		if c.slots != nil {
			c.slots.Release(1)
		}
	}, nil
}

// commit turns a reserved name into a live session and logs its creation.
func (c *core) commit(name string, att *Attachment, details map[string]any) string {
	instanceID := uuid.NewString()
	logger := observability.SessionLogger(c.logger, name, instanceID)
	s := &session{
		name:       name,
		instanceID: instanceID,
		createdAt:  c.now(),
		attachment: att,
		log:        events.NewLog(name),
		capture:    newCapture(logger, c.opts.CaptureBuffer),
		limiter:    c.newLimiter(),
		logger:     logger,
		status:     StatusActive,
	}
	att.Page.Observe(s.capture)

	c.mu.Lock()
	delete(c.pending, name)
	c.sessions[name] = s
	c.mu.Unlock()

	c.opts.Observer.SessionOpened(c.kind)
	c.record(s, events.New(name, events.SessionCreated, details))
	logger.Info("Session created.")
	return name
}

func (c *core) newLimiter() *rate.Limiter {
	if c.opts.ActionRate <= 0 {
		return rate.NewLimiter(rate.Inf, c.opts.ActionBurst)
	}
	return rate.NewLimiter(rate.Limit(c.opts.ActionRate), c.opts.ActionBurst)
}

func (c *core) lookup(name string) (*session, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[name]
	return s, ok, c.initialized
}

func (c *core) require(op, name string) (*session, error) {
	s, ok, initialized := c.lookup(name)
	if !initialized {
		return nil, notInitialized(op)
	}
	if !ok {
		return nil, notFound(op, name)
	}
	return s, nil
}

// acquire resolves name and takes the session's operation lock.
func (c *core) acquire(op, name string) (*session, func(), error) {
	s, err := c.require(op, name)
	if err != nil {
		return nil, nil, err
	}
	s.opMu.Lock()
	if s.closed() {
		s.opMu.Unlock()
		return nil, nil, notFound(op, name)
	}
	return s, s.opMu.Unlock, nil
}

// DestroySession logs the destruction, releases owned resources best effort
// and forgets the session. Unknown names return false.
func (c *core) DestroySession(ctx context.Context, name string) (bool, error) {
	s, ok, initialized := c.lookup(name)
	if !initialized {
		return false, notInitialized("destroy_session")
	}
	if !ok {
		return false, nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed() {
		return false, nil
	}

	c.record(s, events.New(name, events.SessionDestroyed, nil))
	s.markClosed()

	c.mu.Lock()
	delete(c.sessions, name)
	c.mu.Unlock()

	s.attachment.release(ctx, func(step string, err error) {
		s.logger.Debug("Ignoring cleanup failure.", zap.String("step", step), zap.Error(err))
	})
	s.capture.close()
	if c.slots != nil {
		c.slots.Release(1)
	}
	c.opts.Observer.SessionClosed(c.kind)
	s.logger.Info("Session destroyed.")
	return true, nil
}

// ListSessions describes every live session, oldest first.
func (c *core) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	c.mu.RLock()
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].name < list[j].name
		}
		return list[i].createdAt.Before(list[j].createdAt)
	})

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, c.describe(ctx, s))
	}
	return out, nil
}

// Lookup returns the session's info when this backend owns name.
func (c *core) Lookup(ctx context.Context, name string) (SessionInfo, bool) {
	s, ok, _ := c.lookup(name)
	if !ok {
		return SessionInfo{}, false
	}
	return c.describe(ctx, s), true
}

func (c *core) describe(ctx context.Context, s *session) SessionInfo {
	status, reason := s.state()
	info := SessionInfo{
		Name:             s.name,
		Backend:          c.kind,
		Status:           status,
		CreatedAt:        s.createdAt,
		EscalationReason: reason,
		EventCount:       s.log.Len(),
	}
	qctx, cancel := context.WithTimeout(ctx, urlQueryTimeout)
	defer cancel()
	if url, err := s.page().URL(qctx); err == nil {
		info.CurrentURL = &url
	}
	return info
}

// IsEscalated reports whether actions are unlocked for name.
func (c *core) IsEscalated(name string) (bool, error) {
	s, err := c.require("is_escalated", name)
	if err != nil {
		return false, err
	}
	return s.escalated(), nil
}

// EscalateSession unlocks actions. A repeat call is a no-op that asks for no
// acknowledgement and logs nothing.
func (c *core) EscalateSession(_ context.Context, name, reason string) (EscalationResult, error) {
	s, err := c.require("escalate_session", name)
	if err != nil {
		return EscalationResult{}, err
	}
	if !s.escalate(reason) {
		return EscalationResult{Escalated: true, Warning: "Session already escalated", RequiresAck: false}, nil
	}
	c.record(s, events.New(name, events.SessionEscalated, map[string]any{"escalation_reason": reason}).WithReason(reason))
	s.logger.Warn("Session escalated; actions are now permitted.", zap.String("reason", reason))
	return EscalationResult{
		Escalated:   true,
		Warning:     "Session now allows actions. Actions will be logged and may have side effects.",
		RequiresAck: true,
	}, nil
}

// EventLog returns the audit log of name.
func (c *core) EventLog(name string) (*events.Log, error) {
	s, err := c.require("event_log", name)
	if err != nil {
		return nil, err
	}
	return s.log, nil
}

// LogEvent appends e to its session's log; unknown sessions are ignored.
func (c *core) LogEvent(e events.Event) {
	s, ok, _ := c.lookup(e.Session)
	if !ok {
		return
	}
	c.record(s, e)
}

func (c *core) record(s *session, e events.Event) {
	if e.Session == "" {
		e.Session = s.name
	}
	s.log.Append(e)
	c.opts.Observer.EventLogged(c.kind, e.Type)
}

// recordFailure logs an error event for a failed page operation.
func (c *core) recordFailure(s *session, op string, err error) {
	c.record(s, events.New(s.name, events.Error, map[string]any{"operation": op, "error": err.Error()}))
	s.logger.Debug("Page operation failed.", zap.String("operation", op), zap.Error(err))
}
