// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/config"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/observability"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

// resetForTest isolates a test from the working directory config file and
// from the global logger state.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	t.Cleanup(observability.ResetForTest)

	// Run from an empty directory so ./config.yaml is never picked up.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

// serveRecorder stands in for the MCP server and captures the final config.
type serveRecorder struct {
	calls int
	cfg   config.Interface
	err   error
}

func (r *serveRecorder) run(_ context.Context, cfg config.Interface, _ *zap.Logger) error {
	r.calls++
	r.cfg = cfg
	return r.err
}

// staticProvider hands out a fixed store.
type staticProvider struct {
	st      store.Store
	err     error
	cleaned bool
}

func (p *staticProvider) Create(context.Context, config.Interface) (store.Store, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.st, func() { p.cleaned = true }, nil
}

// newPristineRootCmd builds a fresh command tree with injected dependencies.
func newPristineRootCmd(serve serveFunc, provider storeProvider) *cobra.Command {
	if serve == nil {
		serve = (&serveRecorder{}).run
	}
	if provider == nil {
		provider = &staticProvider{}
	}
	return newRootCommand(serve, provider)
}

// execute runs args against cmd and returns combined output.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if args == nil {
		// cobra falls back to os.Args when args is nil.
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a YAML config file into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
