package browser

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

// session is one named, instrumented page. It is owned by exactly one backend.
type session struct {
	name       string
	instanceID string
	createdAt  time.Time
	attachment *Attachment
	log        *events.Log
	capture    *capture
	limiter    *rate.Limiter
	logger     *zap.Logger

	// opMu serializes foreground operations on this session.
	opMu sync.Mutex

	mu               sync.RWMutex
	status           Status
	escalationReason string
}

func (s *session) page() Page { return s.attachment.Page }

func (s *session) state() (Status, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.escalationReason
}

func (s *session) escalated() bool {
	st, _ := s.state()
	return st == StatusEscalated
}

// escalate moves Active to Escalated and reports whether the transition happened.
func (s *session) escalate(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = StatusEscalated
	s.escalationReason = reason
	return true
}

func (s *session) markClosed() {
	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()
}

func (s *session) closed() bool {
	st, _ := s.state()
	return st == StatusClosed
}
