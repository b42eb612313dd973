package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser/browsertest"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/mocks"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	m        *Manager
	local    *browser.LocalBackend
	remote   *browser.RemoteBackend
	launcher *browsertest.Launcher
	attacher *browsertest.Attacher
}

func newFixture(t *testing.T, logger *zap.Logger, st store.Store) *fixture {
	t.Helper()
	opts := browser.Options{SettleDelay: -1}
	f := &fixture{
		launcher: &browsertest.Launcher{},
		attacher: browsertest.NewAttacher(),
	}
	f.local = browser.NewLocalBackend(f.launcher, logger, opts, true)
	f.remote = browser.NewRemoteBackend(f.attacher, logger, opts)
	f.m = New(logger, st, f.local, f.remote)
	t.Cleanup(func() { _ = f.m.Shutdown(context.Background()) })
	return f
}

func defaultOpts() browser.SessionOptions {
	return browser.SessionOptions{Headless: true, ViewportWidth: 1280, ViewportHeight: 720}
}

func openSQLite(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func storedTypes(t *testing.T, st store.Store, name string) []events.Type {
	t.Helper()
	recs, err := st.ListEvents(context.Background(), name)
	require.NoError(t, err)
	var out []events.Type
	for _, r := range recs {
		out = append(out, r.Type)
	}
	return out
}

func TestManager_CreateInitializesLazily(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t), nil)
	assert.False(t, f.local.Initialized())

	name, err := f.m.CreateSession(context.Background(), "alpha", defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.True(t, f.local.Initialized())
	assert.False(t, f.remote.Initialized(), "remote backend stays idle until a connect")

	escalated, err := f.m.IsEscalated(context.Background(), "alpha")
	require.NoError(t, err)
	assert.False(t, escalated, "new sessions start in observation mode")
}

func TestManager_DuplicateNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)
	f.attacher.Existing["ws://127.0.0.1:9222"] = browsertest.NewPage()

	_, err := f.m.CreateSession(ctx, "shared", defaultOpts())
	require.NoError(t, err)

	_, err = f.m.CreateSession(ctx, "shared", defaultOpts())
	require.Error(t, err)
	assert.True(t, browser.IsDuplicate(err))
	assert.Equal(t, "Session 'shared' already exists", err.Error())

	_, err = f.m.ConnectSession(ctx, "shared", "ws://127.0.0.1:9222")
	assert.True(t, browser.IsDuplicate(err), "names are unique across backends")
	started, _ := f.attacher.Counts()
	assert.Zero(t, started, "rejected before touching the remote backend")

	destroyed, err := f.m.DestroySession(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, destroyed)
	_, err = f.m.CreateSession(ctx, "shared", defaultOpts())
	assert.NoError(t, err, "a destroyed name can be reused")
}

func TestManager_ConcurrentCreateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)
	f.attacher.Empty["ws://race"] = true

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.m.CreateSession(ctx, "race", defaultOpts())
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.m.ConnectSession(ctx, "race", "ws://race")
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, browser.IsDuplicate(err))
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	list, err := f.m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestManager_RoutesAcrossBackends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)
	existing := browsertest.NewPage()
	existing.SetURL("https://intranet.example")
	f.attacher.Existing["http://127.0.0.1:9222"] = existing

	_, err := f.m.CreateSession(ctx, "local", defaultOpts())
	require.NoError(t, err)
	_, err = f.m.ConnectSession(ctx, "remote", "http://127.0.0.1:9222")
	require.NoError(t, err)

	list, err := f.m.ListSessions(ctx)
	require.NoError(t, err)
	var names, kinds []string
	for _, info := range list {
		names = append(names, info.Name)
		kinds = append(kinds, info.Backend)
	}
	assert.Equal(t, []string{"local", "remote"}, names)
	assert.Equal(t, []string{browser.KindLocal, browser.KindRemote}, kinds)

	res, err := f.m.Navigate(ctx, "remote", "example.com/next")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/next", res.URL)
	assert.Contains(t, existing.Calls(), "navigate https://example.com/next")
	assert.Empty(t, f.launcher.LastPage().Calls(), "local page untouched")
}

func TestManager_ResolvesByProbing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)

	require.NoError(t, f.local.Initialize(ctx))
	_, err := f.local.CreateSession(ctx, "direct", defaultOpts())
	require.NoError(t, err)

	// The remote backend is uninitialized and must be skipped, not fail the probe.
	text, err := f.m.Text(ctx, "direct", "")
	require.NoError(t, err)
	assert.Equal(t, "", text.Text)

	f.m.mu.RLock()
	routed := f.m.routes["direct"]
	f.m.mu.RUnlock()
	assert.Same(t, f.local, routed, "probe result is cached")
}

func TestManager_UnknownSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)

	_, err := f.m.Navigate(ctx, "ghost", "example.com")
	require.Error(t, err)
	assert.True(t, browser.IsNotFound(err))
	assert.Equal(t, "Session 'ghost' not found", err.Error())

	_, err = f.m.Events(ctx, "ghost")
	assert.True(t, browser.IsNotFound(err))

	destroyed, err := f.m.DestroySession(ctx, "ghost")
	require.NoError(t, err, "destroy before any backend is initialized is not an error")
	assert.False(t, destroyed)
}

func TestManager_DisabledVariants(t *testing.T) {
	ctx := context.Background()
	m := New(zaptest.NewLogger(t), nil, nil, nil)

	_, err := m.CreateSession(ctx, "a", defaultOpts())
	assert.ErrorIs(t, err, browser.ErrUnsupported)
	_, err = m.ConnectSession(ctx, "a", "ws://x")
	assert.ErrorIs(t, err, browser.ErrUnsupported)
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_EscalateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)
	_, err := f.m.CreateSession(ctx, "alpha", defaultOpts())
	require.NoError(t, err)

	first, err := f.m.EscalateSession(ctx, "alpha", "need to click")
	require.NoError(t, err)
	assert.True(t, first.RequiresAck)

	second, err := f.m.EscalateSession(ctx, "alpha", "again")
	require.NoError(t, err)
	assert.Equal(t, browser.EscalationResult{Escalated: true, Warning: "Session already escalated"}, second)

	evs, err := f.m.Events(ctx, "alpha")
	require.NoError(t, err)
	count := 0
	for _, e := range evs {
		if e.Type == events.SessionEscalated {
			count++
			assert.Equal(t, "need to click", e.Reason)
		}
	}
	assert.Equal(t, 1, count)
}

func TestManager_EndToEndWithPersistence(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	f := newFixture(t, zaptest.NewLogger(t), st)

	_, err := f.m.CreateSession(ctx, "alpha", defaultOpts())
	require.NoError(t, err)
	_, err = f.m.Click(ctx, "alpha", "#btn", "testing")
	require.Error(t, err)
	assert.True(t, browser.IsNotEscalated(err))

	_, err = f.m.EscalateSession(ctx, "alpha", "need to click")
	require.NoError(t, err)
	escalated, err := f.m.IsEscalated(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, escalated)

	res, err := f.m.Click(ctx, "alpha", "#btn", "testing")
	require.NoError(t, err)
	assert.Equal(t, "click", res.Action)

	rec, err := st.GetSession(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "escalated", rec.Status)
	assert.Equal(t, "need to click", rec.EscalationReason)

	want := []events.Type{events.SessionCreated, events.SessionEscalated, events.Click}
	if diff := cmp.Diff(want, storedTypes(t, st, "alpha")); diff != "" {
		t.Errorf("persisted events mismatch (-want +got):\n%s", diff)
	}

	destroyed, err := f.m.DestroySession(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, destroyed)

	rec, err = st.GetSession(ctx, "alpha")
	require.NoError(t, err, "the record outlives the session")
	assert.Equal(t, "closed", rec.Status)
	assert.Equal(t, "need to click", rec.EscalationReason)
	assert.Equal(t, append(want, events.SessionDestroyed), storedTypes(t, st, "alpha"))
}

func TestManager_ReusedNameStartsFreshRecord(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	f := newFixture(t, zaptest.NewLogger(t), st)

	_, err := f.m.CreateSession(ctx, "alpha", defaultOpts())
	require.NoError(t, err)
	_, err = f.m.DOM(ctx, "alpha", "")
	require.NoError(t, err)
	first, err := st.GetSession(ctx, "alpha")
	require.NoError(t, err)
	destroyed, err := f.m.DestroySession(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, destroyed)

	_, err = f.m.CreateSession(ctx, "alpha", defaultOpts())
	require.NoError(t, err)
	live, ok := f.local.Lookup(ctx, "alpha")
	require.True(t, ok)

	rec, err := st.GetSession(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "active", rec.Status)
	assert.True(t, rec.CreatedAt.Equal(live.CreatedAt), "stored %v, live %v", rec.CreatedAt, live.CreatedAt)
	assert.False(t, rec.CreatedAt.Before(first.CreatedAt))

	assert.Equal(t, []events.Type{events.SessionCreated}, storedTypes(t, st, "alpha"),
		"the previous session's trail does not leak into the new one")

	// Later writes continue from the new log, not the old cursor.
	_, err = f.m.EscalateSession(ctx, "alpha", "checkout")
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.SessionCreated, events.SessionEscalated}, storedTypes(t, st, "alpha"))
}

func TestManager_InspectEventsAreFlushed(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	f := newFixture(t, zaptest.NewLogger(t), st)

	_, err := f.m.CreateSession(ctx, "beta", defaultOpts())
	require.NoError(t, err)
	f.launcher.LastPage().NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	_, err = f.m.Navigate(ctx, "beta", "nowhere.invalid")
	require.Error(t, err)
	_, err = f.m.DOM(ctx, "beta", "")
	require.NoError(t, err)

	assert.Equal(t,
		[]events.Type{events.SessionCreated, events.Error, events.DOMRead},
		storedTypes(t, st, "beta"),
		"failures are audited too and each event is written once")
}

func TestManager_PersistenceFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	st := new(mocks.MockStore)
	st.On("DeleteSession", mock.Anything, "gamma").Return(errors.New("disk full"))
	st.On("SaveSession", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	st.On("SaveEvents", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	f := newFixture(t, zap.New(core), st)

	name, err := f.m.CreateSession(ctx, "gamma", defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "gamma", name)

	assert.Equal(t, 1, logs.FilterMessage("Failed to purge previous session record.").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist session snapshot.").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist session events.").Len())

	// Nothing was flushed, so the next write retries the created event too.
	st.ExpectedCalls = nil
	st.On("SaveSession", mock.Anything, mock.Anything).Return(nil)
	st.On("SaveEvents", mock.Anything, mock.MatchedBy(func(evs []events.Event) bool {
		return len(evs) == 2 && evs[0].Type == events.SessionCreated && evs[1].Type == events.SessionEscalated
	})).Return(nil).Once()

	_, err = f.m.EscalateSession(ctx, "gamma", "retry")
	require.NoError(t, err)
	st.AssertExpectations(t)

	st.On("SaveEvents", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.m.Shutdown(ctx))
}

func TestManager_SnapshotContents(t *testing.T) {
	ctx := context.Background()
	st := new(mocks.MockStore)
	st.On("DeleteSession", mock.Anything, "delta").Return(store.ErrNotFound).Once()
	st.On("SaveSession", mock.Anything, mock.MatchedBy(func(rec store.SessionRecord) bool {
		return rec.Name == "delta" && rec.Status == "active" && !rec.CreatedAt.IsZero()
	})).Return(nil).Once()
	st.On("SaveEvents", mock.Anything, mock.MatchedBy(func(evs []events.Event) bool {
		return len(evs) == 1 && evs[0].Type == events.SessionCreated && evs[0].Details["viewport"] == "1280x720"
	})).Return(nil).Once()
	f := newFixture(t, zaptest.NewLogger(t), st)

	_, err := f.m.CreateSession(ctx, "delta", defaultOpts())
	require.NoError(t, err)
	st.AssertExpectations(t)

	// Shutdown writes the closed snapshot and the trailing destroy event.
	st.On("SaveSession", mock.Anything, mock.MatchedBy(func(rec store.SessionRecord) bool {
		return rec.Name == "delta" && rec.Status == "closed"
	})).Return(nil).Once()
	st.On("SaveEvents", mock.Anything, mock.MatchedBy(func(evs []events.Event) bool {
		return len(evs) == 1 && evs[0].Type == events.SessionDestroyed
	})).Return(nil).Once()
	require.NoError(t, f.m.Shutdown(ctx))
	st.AssertExpectations(t)
}

func TestManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t), nil)
	f.attacher.Empty["ws://fresh"] = true

	_, err := f.m.CreateSession(ctx, "one", defaultOpts())
	require.NoError(t, err)
	_, err = f.m.ConnectSession(ctx, "two", "ws://fresh")
	require.NoError(t, err)
	localLog, err := f.local.EventLog("one")
	require.NoError(t, err)

	require.NoError(t, f.m.Shutdown(ctx))
	require.NoError(t, f.m.Shutdown(ctx), "shutdown is idempotent")

	assert.False(t, f.local.Initialized())
	assert.False(t, f.remote.Initialized())
	assert.Equal(t, 1, localLog.CountByType(events.SessionDestroyed), "destroyed through the audited path")
	assert.Equal(t, []string{"close_page", "close_context", "disconnect"}, f.attacher.Steps())

	_, stopped := f.launcher.Counts()
	assert.Equal(t, 1, stopped)

	_, err = f.m.CreateSession(ctx, "three", defaultOpts())
	assert.ErrorIs(t, err, ErrShutdown)
}
