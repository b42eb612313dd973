package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser/browsertest"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

func escalatedSession(t *testing.T, opts browser.Options, name string) (*browser.LocalBackend, *browsertest.Page) {
	t.Helper()
	ctx := context.Background()
	b, launcher := setupLocal(t, opts)
	_, err := b.CreateSession(ctx, name, b.DefaultSessionOptions())
	require.NoError(t, err)
	_, err = b.EscalateSession(ctx, name, "exercise actions")
	require.NoError(t, err)
	return b, launcher.LastPage()
}

func TestActions_RequireEscalation(t *testing.T) {
	ctx := context.Background()
	b, launcher := setupLocal(t, fastOptions())
	_, err := b.CreateSession(ctx, "guarded", b.DefaultSessionOptions())
	require.NoError(t, err)

	_, err = b.Click(ctx, "guarded", "#buy", "try")
	require.Error(t, err)
	assert.True(t, browser.IsNotEscalated(err))
	assert.Equal(t, "Session 'guarded' not escalated for actions. Call session.escalate first with a reason.", err.Error())

	_, err = b.Type(ctx, "guarded", "#q", "hi", "try", false)
	assert.True(t, browser.IsNotEscalated(err))

	_, err = b.Execute(ctx, "guarded", "1+1", "try")
	assert.True(t, browser.IsNotEscalated(err))

	// Nothing reached the page and nothing was logged.
	assert.Empty(t, launcher.LastPage().Calls())
	assert.Equal(t, []events.Type{events.SessionCreated}, eventTypes(t, b, "guarded"))
}

func TestClick_NavigationRaisesConfidence(t *testing.T) {
	ctx := context.Background()
	b, page := escalatedSession(t, fastOptions(), "click")
	page.SetURL("https://shop.example.com/")
	page.OnClick = func(p *browsertest.Page, selector string) error {
		return p.Navigate(context.Background(), "https://shop.example.com/cart")
	}

	res, err := b.Click(ctx, "click", "a.cart", "open the cart")
	require.NoError(t, err)
	assert.Equal(t, "click", res.Action)
	assert.Equal(t, "a.cart", res.Selector)
	assert.Equal(t, browser.ConfidenceMedium, res.Confidence)
	assert.True(t, res.ObservedChanges.URLChanged)
	assert.Equal(t, "https://shop.example.com/cart", res.ObservedChanges.NewURL)
	assert.Equal(t, 1, res.ObservedChanges.NetworkRequests)
	assert.Equal(t, "https://shop.example.com/", res.State.PreURL)
	assert.Equal(t, "https://shop.example.com/cart", res.State.PostURL)
	assert.Empty(t, res.Notes)

	log, _ := b.EventLog("click")
	last := log.Events()[log.Len()-1]
	assert.Equal(t, events.Click, last.Type)
	assert.Equal(t, "open the cart", last.Reason)
	assert.Equal(t, "medium", last.Details["confidence"])
	changes, ok := last.Details["observed_changes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, changes["url_changed"])
}

func TestClick_NoObservableEffectIsLowConfidence(t *testing.T) {
	ctx := context.Background()
	b, _ := escalatedSession(t, fastOptions(), "quiet")

	res, err := b.Click(ctx, "quiet", "button", "toggle")
	require.NoError(t, err)
	assert.Equal(t, browser.ConfidenceLow, res.Confidence)
	assert.False(t, res.ObservedChanges.URLChanged)
	assert.Empty(t, res.ObservedChanges.NewURL)
	assert.Empty(t, res.Notes)
}

func TestClick_FailureBecomesNotes(t *testing.T) {
	ctx := context.Background()
	b, page := escalatedSession(t, fastOptions(), "broken")
	page.OnClick = func(*browsertest.Page, string) error {
		// Side effects before the failure still count toward the diff.
		page.EmitRequest("GET", "https://example.com/track")
		return errors.New("no node found for selector")
	}

	res, err := b.Click(ctx, "broken", "#missing", "poke")
	require.NoError(t, err, "action failures are reported in the result")
	assert.Equal(t, browser.ConfidenceLow, res.Confidence)
	assert.Equal(t, "Click may have failed: no node found for selector", res.Notes)
	assert.Equal(t, 1, res.ObservedChanges.NetworkRequests)

	log, _ := b.EventLog("broken")
	assert.Equal(t, events.Click, log.Events()[log.Len()-1].Type)
}

func TestClick_TimesOut(t *testing.T) {
	ctx := context.Background()
	opts := fastOptions()
	opts.ActionTimeout = 10 * time.Millisecond
	b, page := escalatedSession(t, opts, "slow")
	page.BlockActions = true

	res, err := b.Click(ctx, "slow", "#spinner", "wait")
	require.NoError(t, err)
	assert.Equal(t, browser.ConfidenceLow, res.Confidence)
	assert.Equal(t, "Click may have failed: context deadline exceeded", res.Notes)
}

func TestType_RecordsLengthNotText(t *testing.T) {
	ctx := context.Background()
	b, page := escalatedSession(t, fastOptions(), "typing")
	var got struct {
		selector, text string
		clear          bool
	}
	page.OnType = func(_ *browsertest.Page, selector, text string, clearFirst bool) error {
		got.selector, got.text, got.clear = selector, text, clearFirst
		return nil
	}

	res, err := b.Type(ctx, "typing", "input[name=q]", "secret", "search", true)
	require.NoError(t, err)
	assert.Equal(t, "type", res.Action)
	assert.Equal(t, "input[name=q]", got.selector)
	assert.Equal(t, "secret", got.text)
	assert.True(t, got.clear)

	log, _ := b.EventLog("typing")
	last := log.Events()[log.Len()-1]
	assert.Equal(t, events.TypeText, last.Type)
	assert.Equal(t, 6, last.Details["text_length"])
	assert.Equal(t, true, last.Details["clear_first"])
	assert.NotContains(t, last.Details, "text")
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	b, page := escalatedSession(t, fastOptions(), "exec")
	page.OnEvaluate = func(p *browsertest.Page, script string) error {
		p.EmitConsole("log", "from script")
		return nil
	}

	res, err := b.Execute(ctx, "exec", "console.log('from script')", "debug")
	require.NoError(t, err)
	assert.Equal(t, "execute", res.Action)
	assert.Equal(t, 1, res.ObservedChanges.ConsoleMessages)
	assert.Equal(t, browser.ConfidenceLow, res.Confidence, "console output alone does not raise confidence")

	page.OnEvaluate = func(*browsertest.Page, string) error { return errors.New("SyntaxError") }
	res, err = b.Execute(ctx, "exec", "(", "debug")
	require.NoError(t, err)
	assert.Equal(t, "Script may have failed: SyntaxError", res.Notes)

	log, _ := b.EventLog("exec")
	last := log.Events()[log.Len()-1]
	assert.Equal(t, events.Execute, last.Type)
	assert.Equal(t, 1, last.Details["script_length"])
}

func TestActions_Throttled(t *testing.T) {
	ctx := context.Background()
	opts := fastOptions()
	opts.ActionRate = 0.001
	opts.ActionBurst = 1
	b, page := escalatedSession(t, opts, "throttled")

	_, err := b.Click(ctx, "throttled", "#a", "first")
	require.NoError(t, err)

	// The second action would wait far beyond the deadline.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	res, err := b.Click(short, "throttled", "#b", "second")
	require.NoError(t, err)
	assert.Equal(t, browser.ConfidenceLow, res.Confidence)
	assert.Contains(t, res.Notes, "Action throttled")
	assert.NotContains(t, page.Calls(), "click #b")
}

func TestActions_TrafficWhileThrottledIsNotCredited(t *testing.T) {
	ctx := context.Background()
	opts := fastOptions()
	opts.ActionRate = 10
	opts.ActionBurst = 1
	b, page := escalatedSession(t, opts, "paced")

	_, err := b.Click(ctx, "paced", "#first", "spend the burst")
	require.NoError(t, err)

	// The next click waits about 100ms for a token; background traffic
	// lands in the middle of that wait.
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		page.EmitRequest("GET", "https://tracker.example/beacon")
		page.EmitConsole("log", "heartbeat")
	}()

	res, err := b.Click(ctx, "paced", "#second", "paced click")
	<-done
	require.NoError(t, err)
	assert.Zero(t, res.ObservedChanges.NetworkRequests)
	assert.Zero(t, res.ObservedChanges.ConsoleMessages)
	assert.Equal(t, browser.ConfidenceLow, res.Confidence)
	assert.Empty(t, res.Notes)
}
