package mcp

import (
	"encoding/base64"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const blankURL = "about:blank"

// FormatSessionList renders one line per session.
func FormatSessionList(sessions []browser.SessionInfo) string {
	if len(sessions) == 0 {
		return "No active sessions"
	}
	lines := []string{"Sessions:"}
	for _, s := range sessions {
		url := blankURL
		if s.CurrentURL != nil {
			url = *s.CurrentURL
		}
		lines = append(lines, fmt.Sprintf("  - %s [%s] (%d events) - %s", s.Name, s.Status, s.EventCount, url))
	}
	return strings.Join(lines, "\n")
}

func formatEscalation(name, reason string, res browser.EscalationResult) string {
	return fmt.Sprintf("Session '%s' escalated.\nWarning: %s\nReason logged: %s", name, res.Warning, reason)
}

func formatNavigate(res browser.NavigateResult) string {
	return fmt.Sprintf("Navigated to: %s\nTitle: %s", res.URL, res.Title)
}

func formatScreenshot(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func formatDOM(snap browser.DOMSnapshot) string {
	if !snap.Truncated || snap.OriginalLength == nil {
		return snap.HTML
	}
	return fmt.Sprintf("%s\n\n[Truncated from %d characters]", snap.HTML, *snap.OriginalLength)
}

// formatJSON renders v as an indented array, or empty when v has no items.
func formatJSON(v any, n int, empty string) (string, error) {
	if n == 0 {
		return empty, nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}

// FormatActionResult renders what was measured around an action. It never
// claims success; failures show up under Notes.
func FormatActionResult(res *browser.ActionResult) string {
	changes := res.ObservedChanges
	lines := []string{
		"Action: " + res.Action,
		"Confidence: " + string(res.Confidence),
		"",
		"Observed Changes:",
		fmt.Sprintf("  URL changed: %t", changes.URLChanged),
		fmt.Sprintf("  Network requests: %d", changes.NetworkRequests),
		fmt.Sprintf("  Console messages: %d", changes.ConsoleMessages),
	}
	if changes.NewURL != "" {
		lines = append(lines, "  New URL: "+changes.NewURL)
	}
	lines = append(lines,
		"",
		"State:",
		"  Before: "+res.State.PreURL,
		"  After: "+res.State.PostURL,
	)
	if res.Notes != "" {
		lines = append(lines, "", "Notes: "+res.Notes)
	}
	return strings.Join(lines, "\n")
}

// FormatHistory renders persisted session snapshots for the history command.
func FormatHistory(recs []store.SessionRecord) string {
	if len(recs) == 0 {
		return "No recorded sessions"
	}
	lines := []string{"Recorded sessions:"}
	for _, r := range recs {
		line := fmt.Sprintf("  - %s [%s] created %s", r.Name, r.Status, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if r.EscalationReason != "" {
			line += fmt.Sprintf(" (escalated: %s)", r.EscalationReason)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatEventRecords renders the persisted trail of one session as JSON.
func FormatEventRecords(recs []store.EventRecord) (string, error) {
	return formatJSON(recs, len(recs), "No events recorded")
}

// errorText is what every tool returns in place of a failure.
func errorText(err error) string {
	return "Error: " + err.Error()
}
