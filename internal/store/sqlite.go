package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

const (
	memoryDSN = ":memory:"

	// Fixed width so that text order matches time order.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

const (
	sqliteUpsertSession = `
        INSERT INTO sessions (name, status, created_at, escalation_reason)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (name) DO UPDATE SET
            status = excluded.status,
            created_at = excluded.created_at,
            escalation_reason = excluded.escalation_reason`
	sqliteInsertEvent = `
        INSERT INTO events (session, event_type, timestamp, details, reason)
        VALUES (?, ?, ?, ?, ?)`
	sqliteSelectSessions = `
        SELECT name, status, created_at, escalation_reason
        FROM sessions
        ORDER BY created_at ASC, name ASC`
	sqliteSelectSession = `
        SELECT name, status, created_at, escalation_reason
        FROM sessions
        WHERE name = ?`
	sqliteSelectEvents = `
        SELECT id, session, event_type, timestamp, details, reason
        FROM events
        WHERE session = ?
        ORDER BY id ASC`
)

// SQLite stores records in an embedded database file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	dsn := path
	if path != memoryDSN {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db, log: logger.Named("store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug("SQLite store ready.", zap.String("path", path))
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts, err := migrationStatements("sqlite")
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsertSession,
		rec.Name, rec.Status, formatTime(rec.CreatedAt), nullable(rec.EscalationReason))
	if err != nil {
		return fmt.Errorf("failed to save session %q: %w", rec.Name, err)
	}
	return nil
}

func (s *SQLite) SaveEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqliteInsertEvent)
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()

		for i, e := range evs {
			details, err := encodeDetails(e.Details)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, e.Session, string(e.Type), formatTime(e.Timestamp), string(details), nullable(e.Reason)); err != nil {
				return fmt.Errorf("failed to insert %s event (index %d): %w", e.Type, i, err)
			}
		}
		return nil
	})
}

func (s *SQLite) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *SQLite) GetSession(ctx context.Context, name string) (SessionRecord, error) {
	rec, err := scanSQLiteSession(s.db.QueryRowContext(ctx, sqliteSelectSession, name))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row scanner) (SessionRecord, error) {
	var (
		rec       SessionRecord
		createdAt string
		reason    sql.NullString
	)
	if err := row.Scan(&rec.Name, &rec.Status, &createdAt, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, err
		}
		return SessionRecord{}, fmt.Errorf("failed to scan session row: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt = t
	rec.EscalationReason = reason.String
	return rec, nil
}

func (s *SQLite) ListEvents(ctx context.Context, session string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectEvents, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec     EventRecord
			typ     string
			ts      string
			details string
			reason  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Session, &typ, &ts, &details, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if rec.Details, err = decodeDetails([]byte(details)); err != nil {
			return nil, err
		}
		if rec.Type, err = decodeType(typ); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", rec.ID, err)
		}
		rec.Reason = reason.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *SQLite) DeleteSession(ctx context.Context, name string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session = ?`, name); err != nil {
			return fmt.Errorf("failed to delete events of %q: %w", name, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("failed to delete session %q: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
