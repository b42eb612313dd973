package browser_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser/browsertest"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

// fastOptions skips the settle delay so tests do not sleep.
func fastOptions() browser.Options {
	return browser.Options{SettleDelay: -1}
}

func setupLocal(t *testing.T, opts browser.Options) (*browser.LocalBackend, *browsertest.Launcher) {
	t.Helper()
	launcher := &browsertest.Launcher{}
	b := browser.NewLocalBackend(launcher, zaptest.NewLogger(t), opts, true)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b, launcher
}

func setupRemote(t *testing.T) (*browser.RemoteBackend, *browsertest.Attacher) {
	t.Helper()
	attacher := browsertest.NewAttacher()
	b := browser.NewRemoteBackend(attacher, zaptest.NewLogger(t), fastOptions())
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b, attacher
}

func eventTypes(t *testing.T, b browser.Backend, name string) []events.Type {
	t.Helper()
	log, err := b.EventLog(name)
	require.NoError(t, err)
	var out []events.Type
	for _, e := range log.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestBackend_RequiresInitialize(t *testing.T) {
	ctx := context.Background()
	b := browser.NewLocalBackend(&browsertest.Launcher{}, zaptest.NewLogger(t), fastOptions(), true)

	_, err := b.CreateSession(ctx, "s", b.DefaultSessionOptions())
	require.Error(t, err)
	assert.True(t, browser.IsNotInitialized(err))
	assert.Equal(t, "Backend not initialized. Call Initialize() first.", err.Error())

	_, err = b.DestroySession(ctx, "s")
	assert.True(t, browser.IsNotInitialized(err))

	_, err = b.Navigate(ctx, "s", "https://example.com")
	assert.True(t, browser.IsNotInitialized(err))

	// Shutdown before Initialize is a no-op.
	assert.NoError(t, b.Shutdown(ctx))
}

func TestBackend_InitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	launcher := &browsertest.Launcher{}
	b := browser.NewLocalBackend(launcher, zaptest.NewLogger(t), fastOptions(), true)

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))
	assert.True(t, b.Initialized())

	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))
	started, stopped := launcher.Counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.False(t, b.Initialized())
}

func TestBackend_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	b, launcher := setupLocal(t, fastOptions())

	name, err := b.CreateSession(ctx, "alpha", browser.SessionOptions{Headless: true})
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)

	// Viewport defaults fill in zero values.
	launches := launcher.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, browser.DefaultViewportWidth, launches[0].ViewportWidth)
	assert.Equal(t, browser.DefaultViewportHeight, launches[0].ViewportHeight)

	info, ok := b.Lookup(ctx, "alpha")
	require.True(t, ok)
	assert.Equal(t, browser.StatusActive, info.Status)
	assert.Equal(t, browser.KindLocal, info.Backend)
	require.NotNil(t, info.CurrentURL)
	assert.Equal(t, "about:blank", *info.CurrentURL)
	assert.Equal(t, 1, info.EventCount)

	log, err := b.EventLog("alpha")
	require.NoError(t, err)
	first := log.Events()[0]
	assert.Equal(t, events.SessionCreated, first.Type)
	assert.Equal(t, "1280x720", first.Details["viewport"])
	assert.Equal(t, true, first.Details["headless"])

	destroyed, err := b.DestroySession(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, destroyed)

	// The log is captured before the session is forgotten.
	evts := log.Events()
	assert.Equal(t, events.SessionDestroyed, evts[len(evts)-1].Type)

	_, ok = b.Lookup(ctx, "alpha")
	assert.False(t, ok)

	destroyed, err = b.DestroySession(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, destroyed, "second destroy reports nothing to do")
}

func TestBackend_DuplicateNamesRejected(t *testing.T) {
	ctx := context.Background()
	b, _ := setupLocal(t, fastOptions())

	_, err := b.CreateSession(ctx, "dup", b.DefaultSessionOptions())
	require.NoError(t, err)

	_, err = b.CreateSession(ctx, "dup", b.DefaultSessionOptions())
	require.Error(t, err)
	assert.True(t, browser.IsDuplicate(err))
	assert.Equal(t, "Session 'dup' already exists", err.Error())
}

func TestBackend_NamesCanBeReusedAfterDestroy(t *testing.T) {
	ctx := context.Background()
	b, _ := setupLocal(t, fastOptions())

	_, err := b.CreateSession(ctx, "again", b.DefaultSessionOptions())
	require.NoError(t, err)
	_, err = b.EscalateSession(ctx, "again", "testing")
	require.NoError(t, err)
	_, err = b.DestroySession(ctx, "again")
	require.NoError(t, err)

	_, err = b.CreateSession(ctx, "again", b.DefaultSessionOptions())
	require.NoError(t, err)

	escalated, err := b.IsEscalated("again")
	require.NoError(t, err)
	assert.False(t, escalated, "a recreated session starts observation-only")
	assert.Equal(t, []events.Type{events.SessionCreated}, eventTypes(t, b, "again"))
}

func TestBackend_UnknownSession(t *testing.T) {
	ctx := context.Background()
	b, _ := setupLocal(t, fastOptions())

	_, err := b.Navigate(ctx, "ghost", "example.com")
	require.Error(t, err)
	assert.True(t, browser.IsNotFound(err))
	assert.Equal(t, "Session 'ghost' not found", err.Error())

	_, err = b.Click(ctx, "ghost", "#x", "r")
	assert.True(t, browser.IsNotFound(err))

	_, err = b.EscalateSession(ctx, "ghost", "r")
	assert.True(t, browser.IsNotFound(err))

	_, err = b.EventLog("ghost")
	assert.True(t, browser.IsNotFound(err))

	// Events for unknown sessions are silently dropped.
	b.LogEvent(events.New("ghost", events.Navigate, nil))
}

func TestBackend_EscalationIsOneWay(t *testing.T) {
	ctx := context.Background()
	b, _ := setupLocal(t, fastOptions())
	_, err := b.CreateSession(ctx, "esc", b.DefaultSessionOptions())
	require.NoError(t, err)

	escalated, err := b.IsEscalated("esc")
	require.NoError(t, err)
	assert.False(t, escalated)

	res, err := b.EscalateSession(ctx, "esc", "need to log in")
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.True(t, res.RequiresAck)
	assert.Contains(t, res.Warning, "Actions will be logged")

	again, err := b.EscalateSession(ctx, "esc", "second reason")
	require.NoError(t, err)
	assert.True(t, again.Escalated)
	assert.False(t, again.RequiresAck)
	assert.Equal(t, "Session already escalated", again.Warning)

	info, ok := b.Lookup(ctx, "esc")
	require.True(t, ok)
	assert.Equal(t, browser.StatusEscalated, info.Status)
	assert.Equal(t, "need to log in", info.EscalationReason, "the first reason is kept")

	types := eventTypes(t, b, "esc")
	assert.Equal(t, []events.Type{events.SessionCreated, events.SessionEscalated}, types)

	log, _ := b.EventLog("esc")
	assert.Equal(t, "need to log in", log.Events()[1].Reason)
}

func TestBackend_ListSessionsOldestFirst(t *testing.T) {
	ctx := context.Background()
	b, _ := setupLocal(t, fastOptions())

	for _, n := range []string{"one", "two", "three"} {
		_, err := b.CreateSession(ctx, n, b.DefaultSessionOptions())
		require.NoError(t, err)
	}
	list, err := b.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].CreatedAt.Before(list[i-1].CreatedAt))
	}
}

func TestBackend_ListToleratesUnqueryablePages(t *testing.T) {
	ctx := context.Background()
	launcher := &browsertest.Launcher{NewPage: func() *browsertest.Page {
		p := browsertest.NewPage()
		p.URLErr = errors.New("target crashed")
		return p
	}}
	b := browser.NewLocalBackend(launcher, zaptest.NewLogger(t), fastOptions(), true)
	require.NoError(t, b.Initialize(ctx))
	defer b.Shutdown(ctx)

	_, err := b.CreateSession(ctx, "crashed", b.DefaultSessionOptions())
	require.NoError(t, err)

	list, err := b.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].CurrentURL)
}

func TestBackend_DestroyReleasesInOrderAndSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	launcher := &browsertest.Launcher{ClosePageErr: errors.New("tab already gone")}
	b := browser.NewLocalBackend(launcher, zaptest.NewLogger(t), fastOptions(), true)
	require.NoError(t, b.Initialize(ctx))
	defer b.Shutdown(ctx)

	_, err := b.CreateSession(ctx, "c", b.DefaultSessionOptions())
	require.NoError(t, err)

	destroyed, err := b.DestroySession(ctx, "c")
	require.NoError(t, err)
	assert.True(t, destroyed)
	assert.Equal(t, []string{"close_page", "close_context", "disconnect"}, launcher.Steps())
}

func TestBackend_LaunchFailureFreesTheName(t *testing.T) {
	ctx := context.Background()
	launcher := &browsertest.Launcher{LaunchErr: errors.New("no chrome binary")}
	b := browser.NewLocalBackend(launcher, zaptest.NewLogger(t), fastOptions(), true)
	require.NoError(t, b.Initialize(ctx))
	defer b.Shutdown(ctx)

	_, err := b.CreateSession(ctx, "x", b.DefaultSessionOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome binary")

	launcher.LaunchErr = nil
	_, err = b.CreateSession(ctx, "x", b.DefaultSessionOptions())
	assert.NoError(t, err)
}

func TestBackend_SessionLimit(t *testing.T) {
	ctx := context.Background()
	opts := fastOptions()
	opts.MaxSessions = 2
	b, _ := setupLocal(t, opts)

	for i := 0; i < 2; i++ {
		_, err := b.CreateSession(ctx, fmt.Sprintf("s%d", i), b.DefaultSessionOptions())
		require.NoError(t, err)
	}
	_, err := b.CreateSession(ctx, "s2", b.DefaultSessionOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrSessionLimit)
	assert.Contains(t, err.Error(), "(2)")

	_, err = b.DestroySession(ctx, "s0")
	require.NoError(t, err)
	_, err = b.CreateSession(ctx, "s2", b.DefaultSessionOptions())
	assert.NoError(t, err)
}

func TestBackend_ConcurrentCreateOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	b, _ := setupLocal(t, fastOptions())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.CreateSession(ctx, "race", b.DefaultSessionOptions())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if browser.IsDuplicate(err) {
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, dups)
}

func TestBackend_ShutdownDestroysSessions(t *testing.T) {
	ctx := context.Background()
	launcher := &browsertest.Launcher{}
	b := browser.NewLocalBackend(launcher, zaptest.NewLogger(t), fastOptions(), true)
	require.NoError(t, b.Initialize(ctx))

	_, err := b.CreateSession(ctx, "a", b.DefaultSessionOptions())
	require.NoError(t, err)
	_, err = b.CreateSession(ctx, "b", b.DefaultSessionOptions())
	require.NoError(t, err)
	logA, err := b.EventLog("a")
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(ctx))
	list, err := b.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	evts := logA.Events()
	assert.Equal(t, events.SessionDestroyed, evts[len(evts)-1].Type)
	assert.Len(t, launcher.Steps(), 6)
}

func TestRemoteBackend_CreateSessionUnsupported(t *testing.T) {
	b, _ := setupRemote(t)
	_, err := b.CreateSession(context.Background(), "r", browser.SessionOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrUnsupported)
	assert.Contains(t, err.Error(), "ConnectSession")
}

func TestRemoteBackend_ReusesExistingPageWithoutClosingIt(t *testing.T) {
	ctx := context.Background()
	b, attacher := setupRemote(t)
	existing := browsertest.NewPage()
	existing.SetURL("https://app.example.com/dashboard")
	attacher.Existing["http://127.0.0.1:9222"] = existing

	_, err := b.ConnectSession(ctx, "shared", "http://127.0.0.1:9222")
	require.NoError(t, err)

	info, ok := b.Lookup(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, browser.KindRemote, info.Backend)
	require.NotNil(t, info.CurrentURL)
	assert.Equal(t, "https://app.example.com/dashboard", *info.CurrentURL)

	log, err := b.EventLog("shared")
	require.NoError(t, err)
	created := log.Events()[0]
	assert.Equal(t, false, created.Details["owns_context"])
	assert.Equal(t, false, created.Details["owns_page"])
	assert.Equal(t, "http://127.0.0.1:9222", created.Details["cdp_url"])

	_, err = b.DestroySession(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, []string{"disconnect"}, attacher.Steps(), "borrowed pages and contexts stay open")
}

func TestRemoteBackend_ClosesWhatItCreated(t *testing.T) {
	ctx := context.Background()
	b, attacher := setupRemote(t)
	attacher.Empty["ws://browser:9222"] = true

	_, err := b.ConnectSession(ctx, "fresh", "ws://browser:9222")
	require.NoError(t, err)
	_, err = b.DestroySession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []string{"close_page", "close_context", "disconnect"}, attacher.Steps())
}

func TestRemoteBackend_ConnectErrors(t *testing.T) {
	ctx := context.Background()
	b, attacher := setupRemote(t)

	_, err := b.ConnectSession(ctx, "r", "   ")
	require.Error(t, err)

	_, err = b.ConnectSession(ctx, "r", "http://nowhere:9222")
	require.Error(t, err)
	assert.ErrorIs(t, err, browsertest.ErrUnreachable)

	attacher.Empty["http://somewhere:9222"] = true
	_, err = b.ConnectSession(ctx, "r", "http://somewhere:9222")
	require.NoError(t, err, "a failed attach must not hold the name")

	_, err = b.ConnectSession(ctx, "r", "http://somewhere:9222")
	assert.True(t, browser.IsDuplicate(err))
}
