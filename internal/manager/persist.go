package manager

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

// persist writes a snapshot of name plus any unflushed events. Failures are
// logged and never reach the caller.
func (m *Manager) persist(ctx context.Context, b browser.Backend, name string) {
	if m.store == nil {
		return
	}
	info, ok := b.Lookup(ctx, name)
	if !ok {
		return
	}
	log, err := b.EventLog(name)
	if err != nil {
		return
	}
	m.save(ctx, info, log)
}

// begin writes the first snapshot of a new session. A record left under the
// same name by an earlier session is purged with its events first, so the
// store only ever describes the current holder of a name.
func (m *Manager) begin(ctx context.Context, b browser.Backend, name string) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	delete(m.flushed, name)
	err := m.store.DeleteSession(ctx, name)
	m.persistMu.Unlock()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("Failed to purge previous session record.", zap.String("session", name), zap.Error(err))
	}
	m.persist(ctx, b, name)
}

// flush writes only the events appended since the last write.
func (m *Manager) flush(ctx context.Context, b browser.Backend, name string) {
	if m.store == nil {
		return
	}
	log, err := b.EventLog(name)
	if err != nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	m.flushLocked(ctx, log)
}

func (m *Manager) save(ctx context.Context, info browser.SessionInfo, log *events.Log) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	rec := store.SessionRecord{
		Name:             info.Name,
		Status:           string(info.Status),
		CreatedAt:        info.CreatedAt,
		EscalationReason: info.EscalationReason,
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		m.logger.Warn("Failed to persist session snapshot.", zap.String("session", info.Name), zap.Error(err))
	}
	m.flushLocked(ctx, log)
}

func (m *Manager) flushLocked(ctx context.Context, log *events.Log) {
	name := log.Session()
	pending := log.Since(m.flushed[name])
	if len(pending) == 0 {
		return
	}
	if err := m.store.SaveEvents(ctx, pending); err != nil {
		m.logger.Warn("Failed to persist session events.",
			zap.String("session", name), zap.Int("pending", len(pending)), zap.Error(err))
		return
	}
	m.flushed[name] += len(pending)
}
