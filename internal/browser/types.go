package browser

import (
	"time"
)

// Status is the position of a session in its lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusClosed    Status = "closed"
)

// Confidence is the self-reported certainty about an action's effect.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// SessionOptions are the create-time knobs of a local session.
type SessionOptions struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	Name             string    `json:"name"`
	Backend          string    `json:"backend"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	// CurrentURL is nil when the page could not be queried.
	CurrentURL *string `json:"current_url"`
	EventCount int     `json:"event_count"`
}

// EscalationResult reports the outcome of an escalation request.
type EscalationResult struct {
	Escalated   bool   `json:"escalated"`
	Warning     string `json:"warning"`
	RequiresAck bool   `json:"requires_ack"`
}

// NavigateResult is the page the session ended on.
type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// DOMSnapshot is a possibly truncated HTML read.
type DOMSnapshot struct {
	HTML      string `json:"html"`
	Truncated bool   `json:"truncated"`
	// OriginalLength is only set when Truncated is true.
	OriginalLength *int `json:"original_length"`
}

// TextResult is a plain text read.
type TextResult struct {
	Text     string `json:"text"`
	Selector string `json:"selector,omitempty"`
}

// ConsoleEntry is one captured console message.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkEntry is one captured request. Status stays nil until a response
// is paired with it.
type NetworkEntry struct {
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    *int      `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ObservedChanges is the measured difference across an action.
type ObservedChanges struct {
	URLChanged      bool   `json:"url_changed"`
	DOMMutations    int    `json:"dom_mutations"`
	NetworkRequests int    `json:"network_requests"`
	ConsoleMessages int    `json:"console_messages"`
	NewURL          string `json:"new_url,omitempty"`
}

// PrePostState is the url and title around an action.
type PrePostState struct {
	PreURL    string `json:"pre_url"`
	PostURL   string `json:"post_url"`
	PreTitle  string `json:"pre_title"`
	PostTitle string `json:"post_title"`
}

// ActionResult describes what could be measured about an action. It is not a
// success flag: failures of the underlying primitive surface as Notes with
// Low confidence.
type ActionResult struct {
	Action          string          `json:"action"`
	Selector        string          `json:"selector,omitempty"`
	ObservedChanges ObservedChanges `json:"observed_changes"`
	State           PrePostState    `json:"state"`
	Confidence      Confidence      `json:"confidence"`
	Notes           string          `json:"notes,omitempty"`
}

// observedDetails is the event-detail rendering of the diff.
func (c ObservedChanges) observedDetails() map[string]any {
	out := map[string]any{
		"url_changed":      c.URLChanged,
		"dom_mutations":    c.DOMMutations,
		"network_requests": c.NetworkRequests,
		"console_messages": c.ConsoleMessages,
		"new_url":          nil,
	}
	if c.NewURL != "" {
		out["new_url"] = c.NewURL
	}
	return out
}
