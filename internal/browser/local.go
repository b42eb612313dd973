package browser

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LocalBackend launches a dedicated browser for every session it creates.
type LocalBackend struct {
	*core
	launcher Launcher
	headless bool
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend builds the local-launch variant. defaultHeadless applies
// when a caller relies on configuration rather than choosing explicitly.
func NewLocalBackend(launcher Launcher, logger *zap.Logger, opts Options, defaultHeadless bool) *LocalBackend {
	return &LocalBackend{
		core:     newCore(KindLocal, logger, opts),
		launcher: launcher,
		headless: defaultHeadless,
	}
}

// DefaultSessionOptions returns the options used when a caller supplies none.
func (b *LocalBackend) DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Headless:       b.headless,
		ViewportWidth:  DefaultViewportWidth,
		ViewportHeight: DefaultViewportHeight,
	}
}

// Initialize prepares the launcher. Calling it again is a no-op.
func (b *LocalBackend) Initialize(ctx context.Context) error {
	return b.initialize(ctx, b.launcher.Start)
}

// Shutdown destroys all sessions, then stops the launcher. Idempotent.
func (b *LocalBackend) Shutdown(ctx context.Context) error {
	return b.shutdown(ctx, b.launcher.Stop)
}

// CreateSession launches a new browser for name. The session starts Active.
func (b *LocalBackend) CreateSession(ctx context.Context, name string, opts SessionOptions) (string, error) {
	release, err := b.reserve("create_session", name)
	if err != nil {
		return "", err
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = DefaultViewportWidth
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = DefaultViewportHeight
	}

	att, err := b.launcher.Launch(ctx, opts)
	if err != nil {
		release()
		return "", fmt.Errorf("failed to launch browser for session %q: %w", name, err)
	}
	att.OwnsContext, att.OwnsPage = true, true

	return b.commit(name, att, map[string]any{
		"viewport": fmt.Sprintf("%dx%d", opts.ViewportWidth, opts.ViewportHeight),
		"headless": opts.Headless,
	}), nil
}
