package browser

import (
	"errors"
	"fmt"
)

// Sentinel errors of the backend contract. Match them with errors.Is.
var (
	ErrNotInitialized   = errors.New("backend not initialized")
	ErrDuplicateSession = errors.New("session already exists")
	ErrNotFound         = errors.New("session not found")
	ErrNotEscalated     = errors.New("session not escalated for actions")
	ErrUnsupported      = errors.New("operation not supported by backend")
	ErrSessionLimit     = errors.New("session limit reached")
)

// SessionError decorates a sentinel with the operation and session it
// concerns. Its message is what the tool surface shows to callers.
type SessionError struct {
	Op      string
	Session string
	Err     error
	Hint    string
}

func (e *SessionError) Error() string {
	var msg string
	switch {
	case errors.Is(e.Err, ErrNotFound):
		msg = fmt.Sprintf("Session '%s' not found", e.Session)
	case errors.Is(e.Err, ErrDuplicateSession):
		msg = fmt.Sprintf("Session '%s' already exists", e.Session)
	case errors.Is(e.Err, ErrNotEscalated):
		msg = fmt.Sprintf("Session '%s' not escalated for actions.", e.Session)
	case errors.Is(e.Err, ErrNotInitialized):
		msg = "Backend not initialized. Call Initialize() first."
	case errors.Is(e.Err, ErrUnsupported):
		msg = fmt.Sprintf("%s is not supported by this backend.", e.Op)
	case errors.Is(e.Err, ErrSessionLimit):
		msg = fmt.Sprintf("Cannot open session '%s': %v", e.Session, e.Err)
	default:
		msg = fmt.Sprintf("%s %q: %v", e.Op, e.Session, e.Err)
	}
	if e.Hint != "" {
		msg += " " + e.Hint
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }

func notFound(op, session string) error {
	return &SessionError{Op: op, Session: session, Err: ErrNotFound}
}

func duplicate(op, session string) error {
	return &SessionError{Op: op, Session: session, Err: ErrDuplicateSession}
}

func notEscalated(op, session string) error {
	return &SessionError{
		Op:      op,
		Session: session,
		Err:     ErrNotEscalated,
		Hint:    "Call session.escalate first with a reason.",
	}
}

func notInitialized(op string) error {
	return &SessionError{Op: op, Err: ErrNotInitialized}
}

func sessionLimit(op, session string, limit int64) error {
	return &SessionError{Op: op, Session: session, Err: ErrSessionLimit, Hint: fmt.Sprintf("(%d)", limit)}
}

// IsNotFound reports whether err means the session name is unknown.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNotEscalated reports whether err came from the escalation guard.
func IsNotEscalated(err error) bool { return errors.Is(err, ErrNotEscalated) }

// IsDuplicate reports whether err means the session name is taken.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateSession) }

// IsNotInitialized reports whether err means the backend was used before Initialize.
func IsNotInitialized(err error) bool { return errors.Is(err, ErrNotInitialized) }

// DuplicateSession builds the duplicate-name error for callers outside the
// package that enforce naming themselves.
func DuplicateSession(op, session string) error { return duplicate(op, session) }

// NotFound builds the unknown-session error for callers outside the package.
func NotFound(op, session string) error { return notFound(op, session) }
