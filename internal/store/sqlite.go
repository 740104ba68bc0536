package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeMaxRetries    = 3
	writeRetryBaseWait = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		template TEXT NOT NULL,
		has_attachment INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL,
		status TEXT NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_batches_session ON batches(session_id, created_at);

	CREATE TABLE IF NOT EXISTS outcomes (
		batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		recipient TEXT NOT NULL,
		message TEXT NOT NULL,
		attempted INTEGER NOT NULL,
		delivered INTEGER NOT NULL,
		error TEXT,
		PRIMARY KEY (batch_id, position)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateBatch inserts a new batch header.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *domain.Batch) error {
	query := `
	INSERT INTO batches (id, session_id, template, has_attachment, total, status, accepted, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return s.execWithRetry(ctx, "create batch", query,
		b.ID, b.SessionID, b.Template, b.HasAttachment, b.Total,
		string(b.Status), b.Accepted, b.CreatedAt.UnixMilli(),
	)
}

// RecordOutcome stores the result for one recipient of a batch.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, batchID string, o domain.Outcome) error {
	query := `
	INSERT INTO outcomes (batch_id, position, recipient, message, attempted, delivered, error)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(batch_id, position) DO UPDATE SET
		attempted = excluded.attempted,
		delivered = excluded.delivered,
		error = excluded.error`

	var errText interface{}
	if o.Error != "" {
		errText = o.Error
	}

	return s.execWithRetry(ctx, "record outcome", query,
		batchID, o.Position, o.Recipient, o.Message, o.Attempted, o.Delivered, errText,
	)
}

// FinishBatch stores the final status of a batch.
func (s *SQLiteStore) FinishBatch(ctx context.Context, b *domain.Batch) error {
	var finishedAt interface{}
	if b.FinishedAt != nil {
		finishedAt = b.FinishedAt.UnixMilli()
	}

	query := `UPDATE batches SET status = ?, accepted = ?, finished_at = ? WHERE id = ?`
	return s.execWithRetry(ctx, "finish batch", query, string(b.Status), b.Accepted, finishedAt, b.ID)
}

// GetBatch retrieves a batch with its outcomes ordered by position.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	query := `
		SELECT id, session_id, template, has_attachment, total, status, accepted, created_at, finished_at
		FROM batches WHERE id = ?`

	b, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch row: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, recipient, message, attempted, delivered, error
		FROM outcomes WHERE batch_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close outcome rows", "error", closeErr)
		}
	}()

	b.Outcomes = make([]domain.Outcome, 0, b.Total)
	for rows.Next() {
		var o domain.Outcome
		var errText sql.NullString
		if err := rows.Scan(&o.Position, &o.Recipient, &o.Message, &o.Attempted, &o.Delivered, &errText); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		o.Error = errText.String
		b.Outcomes = append(b.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}

	return b, nil
}

// ListBatches returns the most recent batch headers for a session, newest first.
func (s *SQLiteStore) ListBatches(ctx context.Context, sessionID string, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, template, has_attachment, total, status, accepted, created_at, finished_at
		FROM batches WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close batch rows", "error", closeErr)
		}
	}()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// PruneBatches removes batches created before the retention window.
func (s *SQLiteStore) PruneBatches(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM outcomes WHERE batch_id IN (SELECT id FROM batches WHERE created_at < ?)`, threshold); err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune batches: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var b domain.Batch
	var status string
	var createdAt int64
	var finishedAt sql.NullInt64

	if err := row.Scan(
		&b.ID, &b.SessionID, &b.Template, &b.HasAttachment, &b.Total,
		&status, &b.Accepted, &createdAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	b.Status = domain.BatchStatus(status)
	b.CreatedAt = time.UnixMilli(createdAt)
	if finishedAt.Valid {
		ts := time.UnixMilli(finishedAt.Int64)
		b.FinishedAt = &ts
	}
	return &b, nil
}

// execWithRetry runs a write with exponential backoff on SQLITE_BUSY / locked errors.
func (s *SQLiteStore) execWithRetry(ctx context.Context, op, query string, args ...interface{}) error {
	var err error
	for i := 0; i < writeMaxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeMaxRetries-1 {
			break
		}

		delay := writeRetryBaseWait * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
