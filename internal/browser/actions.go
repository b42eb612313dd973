package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

// preState is what we can measure right before an action.
type preState struct {
	url          string
	title        string
	networkCount int
	consoleCount int
}

type actionSpec struct {
	name       string
	event      events.Type
	selector   string
	failure    string
	useTimeout bool
	run        func(ctx context.Context, p Page) error
	details    func(r *ActionResult) map[string]any
}

// Click clicks the first element matching selector. Requires escalation.
func (c *core) Click(ctx context.Context, name, selector, reason string) (*ActionResult, error) {
	return c.act(ctx, name, reason, actionSpec{
		name:       "click",
		event:      events.Click,
		selector:   selector,
		failure:    "Click may have failed",
		useTimeout: true,
		run: func(ctx context.Context, p Page) error {
			return p.Click(ctx, selector)
		},
		details: func(r *ActionResult) map[string]any {
			return map[string]any{
				"selector":         selector,
				"observed_changes": r.ObservedChanges.observedDetails(),
				"confidence":       string(r.Confidence),
			}
		},
	})
}

// Type enters text into the field matching selector. Requires escalation.
func (c *core) Type(ctx context.Context, name, selector, text, reason string, clearFirst bool) (*ActionResult, error) {
	return c.act(ctx, name, reason, actionSpec{
		name:       "type",
		event:      events.TypeText,
		selector:   selector,
		failure:    "Type may have failed",
		useTimeout: true,
		run: func(ctx context.Context, p Page) error {
			return p.Type(ctx, selector, text, clearFirst)
		},
		details: func(r *ActionResult) map[string]any {
			return map[string]any{
				"selector":    selector,
				"text_length": len([]rune(text)),
				"clear_first": clearFirst,
				"confidence":  string(r.Confidence),
			}
		},
	})
}

// Execute evaluates script in the page. Requires escalation.
func (c *core) Execute(ctx context.Context, name, script, reason string) (*ActionResult, error) {
	return c.act(ctx, name, reason, actionSpec{
		name:    "execute",
		event:   events.Execute,
		failure: "Script may have failed",
		run: func(ctx context.Context, p Page) error {
			return p.Evaluate(ctx, script)
		},
		details: func(r *ActionResult) map[string]any {
			return map[string]any{
				"script_length": len([]rune(script)),
				"confidence":    string(r.Confidence),
			}
		},
	})
}

// act runs an action under the escalation guard. Once the guard passes it
// never fails: problems with the primitive become notes and Low confidence.
func (c *core) act(ctx context.Context, name, reason string, spec actionSpec) (*ActionResult, error) {
	s, unlock, err := c.acquire(spec.name, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !s.escalated() {
		return nil, notEscalated(spec.name, name)
	}

	// Pre-state is taken after the limiter so traffic seen while waiting
	// is not credited to the action.
	waitErr := s.limiter.Wait(ctx)
	pre := c.capturePre(ctx, s)

	var notes string
	if waitErr != nil {
		notes = fmt.Sprintf("Action throttled: %v", waitErr)
	} else {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if spec.useTimeout {
			runCtx, cancel = context.WithTimeout(ctx, c.opts.ActionTimeout)
		}
		err := spec.run(runCtx, s.page())
		cancel()
		if err != nil {
			notes = fmt.Sprintf("%s: %v", spec.failure, err)
		}
	}

	c.settle(ctx)
	result := c.capturePost(ctx, s, pre)
	result.Action = spec.name
	result.Selector = spec.selector
	if notes != "" {
		result.Notes = notes
		result.Confidence = ConfidenceLow
	}

	c.record(s, events.New(name, spec.event, spec.details(result)).WithReason(reason))
	c.opts.Observer.ActionObserved(spec.name, result.Confidence)
	s.logger.Info("Action performed.",
		zap.String("action", spec.name),
		zap.String("reason", reason),
		zap.String("confidence", string(result.Confidence)),
		zap.Bool("url_changed", result.ObservedChanges.URLChanged),
		zap.Int("network_requests", result.ObservedChanges.NetworkRequests),
	)
	return result, nil
}

func (c *core) settle(ctx context.Context) {
	if c.opts.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *core) capturePre(ctx context.Context, s *session) preState {
	var pre preState
	pre.url, _ = s.page().URL(ctx)
	pre.title, _ = s.page().Title(ctx)
	_ = s.capture.sync(ctx)
	pre.networkCount, pre.consoleCount = s.capture.counts()
	return pre
}

// capturePost measures the page again and derives the confidence: Medium
// when the URL moved or requests were issued, Low otherwise.
func (c *core) capturePost(ctx context.Context, s *session, pre preState) *ActionResult {
	postURL, _ := s.page().URL(ctx)
	postTitle, _ := s.page().Title(ctx)
	_ = s.capture.sync(ctx)
	network, console := s.capture.counts()

	changes := ObservedChanges{
		URLChanged:      postURL != pre.url,
		NetworkRequests: network - pre.networkCount,
		ConsoleMessages: console - pre.consoleCount,
	}
	if changes.URLChanged {
		changes.NewURL = postURL
	}

	confidence := ConfidenceLow
	if changes.URLChanged || changes.NetworkRequests > 0 {
		confidence = ConfidenceMedium
	}

	return &ActionResult{
		ObservedChanges: changes,
		State: PrePostState{
			PreURL:    pre.url,
			PostURL:   postURL,
			PreTitle:  pre.title,
			PostTitle: postTitle,
		},
		Confidence: confidence,
	}
}
