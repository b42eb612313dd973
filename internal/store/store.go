// Package store persists detached snapshots of sessions and their audit
// events so the trail survives the process.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/config"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed migrations
var migrations embed.FS

var (
	// ErrNotFound is returned when no record exists for a session name.
	ErrNotFound = errors.New("session record not found")
	// ErrDisabled is returned by Open when the database driver is "none".
	ErrDisabled = errors.New("persistence disabled")
)

// SessionRecord is the persisted snapshot of a session's metadata.
type SessionRecord struct {
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
}

// EventRecord is a persisted event with its storage-assigned id.
type EventRecord struct {
	ID int64 `json:"id"`
	events.Event
}

// Store is the durable mirror of session state. Implementations must be
// safe for concurrent use.
type Store interface {
	// SaveSession inserts or replaces the snapshot for rec.Name.
	SaveSession(ctx context.Context, rec SessionRecord) error
	// SaveEvents appends evs in order within one transaction.
	SaveEvents(ctx context.Context, evs []events.Event) error
	// ListSessions returns every snapshot in ascending created_at order.
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	GetSession(ctx context.Context, name string) (SessionRecord, error)
	// ListEvents returns the events of session in ascending id order.
	ListEvents(ctx context.Context, session string) ([]EventRecord, error)
	// DeleteSession purges the snapshot and its events.
	DeleteSession(ctx context.Context, name string) error
	Close() error
}

// Open builds the store selected by cfg and brings its schema up to date.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverSQLite:
		path, err := cfg.ResolvedPath()
		if err != nil {
			return nil, err
		}
		if path != memoryDSN {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return OpenSQLite(ctx, path, logger)
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case config.DriverNone, "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// migrationStatements returns the statements of every migration for
// dialect, in file name order.
func migrationStatements(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s migrations: %w", dialect, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var stmts []string
	for _, name := range names {
		raw, err := fs.ReadFile(migrations, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(raw), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				stmts = append(stmts, stmt)
			}
		}
	}
	return stmts, nil
}

// encodeDetails never yields an empty or null document.
func encodeDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event details: %w", err)
	}
	return b, nil
}

func decodeType(raw string) (events.Type, error) {
	typ := events.Type(raw)
	if !typ.Valid() {
		return "", fmt.Errorf("unknown event type %q", raw)
	}
	return typ, nil
}

func decodeDetails(raw []byte) (map[string]any, error) {
	details := map[string]any{}
	if len(raw) == 0 {
		return details, nil
	}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("failed to decode event details: %w", err)
	}
	return details, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
