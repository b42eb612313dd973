package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	pgUpsertSession = `
        INSERT INTO sessions (name, status, created_at, escalation_reason)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (name) DO UPDATE SET
            status = EXCLUDED.status,
            created_at = EXCLUDED.created_at,
            escalation_reason = EXCLUDED.escalation_reason;
    `
	pgInsertEvent = `
        INSERT INTO events (session, event_type, timestamp, details, reason)
        VALUES ($1, $2, $3, $4, $5);
    `
	pgSelectSessions = `
        SELECT name, status, created_at, escalation_reason
        FROM sessions
        ORDER BY created_at ASC, name ASC;
    `
	pgSelectSession = `
        SELECT name, status, created_at, escalation_reason
        FROM sessions
        WHERE name = $1;
    `
	pgSelectEvents = `
        SELECT id, session, event_type, timestamp, details, reason
        FROM events
        WHERE session = $1
        ORDER BY id ASC;
    `
	pgDeleteEvents  = `DELETE FROM events WHERE session = $1;`
	pgDeleteSession = `DELETE FROM sessions WHERE name = $1;`
)

// Postgres stores records in PostgreSQL.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*Postgres)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	stmts, err := migrationStatements("postgres")
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration: %w", err)
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveSession upserts the snapshot, replacing every column.
func (s *Postgres) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.pool.Exec(ctx, pgUpsertSession,
		rec.Name, rec.Status, rec.CreatedAt.UTC(), nullable(rec.EscalationReason))
	if err != nil {
		return fmt.Errorf("failed to save session %q: %w", rec.Name, err)
	}
	return nil
}

// SaveEvents sends all inserts as one batch inside a transaction.
func (s *Postgres) SaveEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range evs {
		details, err := encodeDetails(e.Details)
		if err != nil {
			return err
		}
		batch.Queue(pgInsertEvent, e.Session, string(e.Type), e.Timestamp.UTC(), details, nullable(e.Reason))
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return fmt.Errorf("failed to send batch: batch results is nil")
		}
		defer func() {
			_ = br.Close()
		}()

		for i := range evs {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to insert %s event (index %d): %w", evs[i].Type, i, err)
			}
		}
		return nil
	})
}

func (s *Postgres) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
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

func (s *Postgres) GetSession(ctx context.Context, name string) (SessionRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectSession, name)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to query session %q: %w", name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return SessionRecord{}, fmt.Errorf("error during row iteration: %w", err)
		}
		return SessionRecord{}, ErrNotFound
	}
	return scanSession(rows)
}

func scanSession(rows pgx.Rows) (SessionRecord, error) {
	var (
		rec    SessionRecord
		reason *string
	)
	if err := rows.Scan(&rec.Name, &rec.Status, &rec.CreatedAt, &reason); err != nil {
		return SessionRecord{}, fmt.Errorf("failed to scan session row: %w", err)
	}
	rec.EscalationReason = deref(reason)
	return rec, nil
}

func (s *Postgres) ListEvents(ctx context.Context, session string) ([]EventRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectEvents, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec     EventRecord
			typ     string
			ts      time.Time
			details []byte
			reason  *string
		)
		if err := rows.Scan(&rec.ID, &rec.Session, &typ, &ts, &details, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if rec.Type, err = decodeType(typ); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", rec.ID, err)
		}
		rec.Timestamp = ts
		rec.Reason = deref(reason)
		if rec.Details, err = decodeDetails(details); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) DeleteSession(ctx context.Context, name string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgDeleteEvents, name); err != nil {
			return fmt.Errorf("failed to delete events of %q: %w", name, err)
		}
		tag, err := tx.Exec(ctx, pgDeleteSession, name)
		if err != nil {
			return fmt.Errorf("failed to delete session %q: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
