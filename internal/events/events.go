// Package events holds the per-session audit trail.
package events

import (
	"sync"
	"time"
)

// Type enumerates every kind of audited operation.
type Type string

const (
	SessionCreated   Type = "session_created"
	SessionDestroyed Type = "session_destroyed"
	SessionEscalated Type = "session_escalated"
	Navigate         Type = "navigate"
	Screenshot       Type = "screenshot"
	DOMRead          Type = "dom_read"
	TextRead         Type = "text_read"
	ConsoleRead      Type = "console_read"
	NetworkRead      Type = "network_read"
	Click            Type = "click"
	TypeText         Type = "type"
	Execute          Type = "execute"
	Error            Type = "error"
)

// allTypes lists the closed set of event types in declaration order.
var allTypes = []Type{
	SessionCreated, SessionDestroyed, SessionEscalated,
	Navigate, Screenshot, DOMRead, TextRead, ConsoleRead, NetworkRead,
	Click, TypeText, Execute, Error,
}

// Valid reports whether t belongs to the closed enum.
func (t Type) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable audit record. Reason is only set for escalation and
// action events; an empty reason marks a pure observation.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"event_type"`
	Session   string         `json:"session"`
	Details   map[string]any `json:"details"`
	Reason    string         `json:"reason,omitempty"`
}

// New builds an event for session with the given details. The timestamp is
// assigned when the event is appended to a Log.
func New(session string, typ Type, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	return Event{Type: typ, Session: session, Details: details}
}

// WithReason returns a copy of e carrying the caller supplied justification.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// Log is the append-only, ordered event record of one session. Append is safe
// to call from driver callbacks while a foreground operation is running.
type Log struct {
	session string
	now     func() time.Time

	mu     sync.RWMutex
	events []Event
}

// NewLog creates an empty log scoped to session.
func NewLog(session string) *Log {
	return &Log{session: session, now: time.Now}
}

// Session returns the name this log belongs to.
func (l *Log) Session() string { return l.session }

// Append records e. Timestamps are stamped under the lock and never go
// backwards relative to the previous entry.
func (l *Log) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if n := len(l.events); n > 0 && e.Timestamp.Before(l.events[n-1].Timestamp) {
		e.Timestamp = l.events[n-1].Timestamp
	}
	if e.Session == "" {
		e.Session = l.session
	}
	e.Details = cloneDetails(e.Details)
	l.events = append(l.events, e)
	return e
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Events returns a copy of all events in insertion order.
func (l *Log) Events() []Event {
	return l.Since(0)
}

// Since returns a copy of the events recorded at or after index from.
func (l *Log) Since(from int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return []Event{}
	}
	out := make([]Event, len(l.events)-from)
	copy(out, l.events[from:])
	return out
}

// CountByType tallies events of typ.
func (l *Log) CountByType(typ Type) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func cloneDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
