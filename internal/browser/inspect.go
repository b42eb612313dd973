package browser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

// NormalizeURL prefixes https:// onto addresses that carry no scheme.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	lower := strings.ToLower(u)
	if strings.Contains(lower, "://") ||
		strings.HasPrefix(lower, "about:") ||
		strings.HasPrefix(lower, "data:") {
		return u
	}
	return "https://" + u
}

// Navigate loads url in the session's page.
func (c *core) Navigate(ctx context.Context, name, url string) (NavigateResult, error) {
	s, unlock, err := c.acquire("navigate", name)
	if err != nil {
		return NavigateResult{}, err
	}
	defer unlock()

	target := NormalizeURL(url)
	if err := s.page().Navigate(ctx, target); err != nil {
		c.recordFailure(s, "navigate", err)
		return NavigateResult{}, fmt.Errorf("failed to navigate to %s: %w", target, err)
	}

	result := NavigateResult{URL: target}
	if final, err := s.page().URL(ctx); err == nil {
		result.URL = final
	}
	if title, err := s.page().Title(ctx); err == nil {
		result.Title = title
	}

	c.record(s, events.New(name, events.Navigate, map[string]any{"url": result.URL, "title": result.Title}))
	return result, nil
}

// Screenshot captures the viewport, or the whole scrollable page, as PNG bytes.
func (c *core) Screenshot(ctx context.Context, name string, fullPage bool) ([]byte, error) {
	s, unlock, err := c.acquire("screenshot", name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	buf, err := s.page().Screenshot(ctx, fullPage)
	if err != nil {
		c.recordFailure(s, "screenshot", err)
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	c.record(s, events.New(name, events.Screenshot, map[string]any{"full_page": fullPage, "size_bytes": len(buf)}))
	return buf, nil
}

// DOM reads HTML, capped at the configured maximum number of characters.
func (c *core) DOM(ctx context.Context, name, selector string) (DOMSnapshot, error) {
	s, unlock, err := c.acquire("get_dom", name)
	if err != nil {
		return DOMSnapshot{}, err
	}
	defer unlock()

	html, err := s.page().HTML(ctx, selector)
	if err != nil {
		c.recordFailure(s, "get_dom", err)
		return DOMSnapshot{}, fmt.Errorf("failed to read DOM: %w", err)
	}

	snap := truncateHTML(html, c.opts.DOMMaxLength)
	c.record(s, events.New(name, events.DOMRead, map[string]any{
		"selector":  selectorDetail(selector),
		"length":    utf8.RuneCountInString(snap.HTML),
		"truncated": snap.Truncated,
	}))
	return snap, nil
}

func truncateHTML(html string, max int) DOMSnapshot {
	length := utf8.RuneCountInString(html)
	if length <= max {
		return DOMSnapshot{HTML: html}
	}
	cut := 0
	for i := range html {
		if cut == max {
			html = html[:i]
			break
		}
		cut++
	}
	return DOMSnapshot{HTML: html, Truncated: true, OriginalLength: &length}
}

// Text reads the visible text of the page or of the first selector match.
func (c *core) Text(ctx context.Context, name, selector string) (TextResult, error) {
	s, unlock, err := c.acquire("get_text", name)
	if err != nil {
		return TextResult{}, err
	}
	defer unlock()

	text, err := s.page().Text(ctx, selector)
	if err != nil {
		c.recordFailure(s, "get_text", err)
		return TextResult{}, fmt.Errorf("failed to read text: %w", err)
	}

	c.record(s, events.New(name, events.TextRead, map[string]any{
		"selector": selectorDetail(selector),
		"length":   utf8.RuneCountInString(text),
	}))
	return TextResult{Text: text, Selector: selector}, nil
}

// ConsoleLogs returns every console message captured so far.
func (c *core) ConsoleLogs(ctx context.Context, name string) ([]ConsoleEntry, error) {
	s, unlock, err := c.acquire("get_console_logs", name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.capture.sync(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain console capture: %w", err)
	}
	entries := s.capture.consoleEntries()
	_, dropped := s.capture.drops()
	c.record(s, events.New(name, events.ConsoleRead, readDetails(len(entries), dropped)))
	return entries, nil
}

// NetworkLogs returns every request captured so far.
func (c *core) NetworkLogs(ctx context.Context, name string) ([]NetworkEntry, error) {
	s, unlock, err := c.acquire("get_network_logs", name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.capture.sync(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain network capture: %w", err)
	}
	entries := s.capture.networkEntries()
	dropped, _ := s.capture.drops()
	c.record(s, events.New(name, events.NetworkRead, readDetails(len(entries), dropped)))
	return entries, nil
}

// readDetails describes a capture read; dropped appears only after a loss.
func readDetails(count int, dropped int64) map[string]any {
	details := map[string]any{"count": count}
	if dropped > 0 {
		details["dropped"] = dropped
	}
	return details
}

// selectorDetail renders an absent selector as null in event details.
func selectorDetail(selector string) any {
	if selector == "" {
		return nil
	}
	return selector
}
