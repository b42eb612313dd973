package browser

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RemoteBackend attaches sessions to browsers that are already running. It
// never closes a context or page it did not create.
type RemoteBackend struct {
	*core
	attacher Attacher
}

var (
	_ Backend   = (*RemoteBackend)(nil)
	_ Connector = (*RemoteBackend)(nil)
)

// NewRemoteBackend builds the remote-attach variant.
func NewRemoteBackend(attacher Attacher, logger *zap.Logger, opts Options) *RemoteBackend {
	return &RemoteBackend{
		core:     newCore(KindRemote, logger, opts),
		attacher: attacher,
	}
}

// Initialize prepares the attacher. Calling it again is a no-op.
func (b *RemoteBackend) Initialize(ctx context.Context) error {
	return b.initialize(ctx, b.attacher.Start)
}

// Shutdown disconnects every session, then stops the attacher. Idempotent.
func (b *RemoteBackend) Shutdown(ctx context.Context) error {
	return b.shutdown(ctx, b.attacher.Stop)
}

// CreateSession is not available on this variant; use ConnectSession.
func (b *RemoteBackend) CreateSession(_ context.Context, name string, _ SessionOptions) (string, error) {
	return "", &SessionError{
		Op:      "create_session",
		Session: name,
		Err:     ErrUnsupported,
		Hint:    "The remote backend requires ConnectSession(name, cdp_url).",
	}
}

// ConnectSession attaches name to the browser listening at remoteURL.
func (b *RemoteBackend) ConnectSession(ctx context.Context, name, remoteURL string) (string, error) {
	remoteURL = strings.TrimSpace(remoteURL)
	if remoteURL == "" {
		return "", fmt.Errorf("a remote debugging URL is required to connect session %q", name)
	}
	release, err := b.reserve("connect_session", name)
	if err != nil {
		return "", err
	}

	att, err := b.attacher.Attach(ctx, remoteURL)
	if err != nil {
		release()
		return "", fmt.Errorf("failed to connect session %q to %s: %w", name, remoteURL, err)
	}

	return b.commit(name, att, map[string]any{
		"cdp_url":      remoteURL,
		"owns_context": att.OwnsContext,
		"owns_page":    att.OwnsPage,
	}), nil
}
