// Package sqlite persists sessions, historical ticks and indicator values.
//
// One Store owns one database file opened in WAL mode. Writes of
// high-volume rows (ticks, indicator values) are batched in transactions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"signal-pipelinev1/internal/model"
)

// Config configures the store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/pipeline.db"
}

// Store is the SQLite persistence layer.
type Store struct {
	db *sql.DB

	// OnCommit is called with the duration of each indicator batch commit.
	OnCommit func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks and the trade journal.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database with WAL mode and schema.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			mode           TEXT    NOT NULL,
			status         TEXT    NOT NULL,
			rows_processed INTEGER NOT NULL DEFAULT 0,
			rows_total     INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticks (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol  TEXT NOT NULL,
			ts      REAL NOT NULL,
			price   REAL NOT NULL,
			volume  REAL NOT NULL DEFAULT 0,
			bid     REAL NOT NULL DEFAULT 0,
			ask     REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks(ts, id);
		CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, ts);

		CREATE TABLE IF NOT EXISTS indicator_values (
			session_id     TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			variant_id     TEXT NOT NULL,
			indicator_type TEXT NOT NULL,
			ts             REAL NOT NULL,
			value          REAL,
			PRIMARY KEY (session_id, symbol, variant_id, ts)
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── sessions (model.SessionStore) ──

// EnsureSession inserts rec if no row with its ID exists.
func (s *Store) EnsureSession(ctx context.Context, rec model.SessionRecord) error {
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, mode, status, rows_processed, rows_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Mode, rec.Status, rec.RowsProcessed, rec.RowsTotal, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite ensure session %s: %w", rec.ID, err)
	}
	return nil
}

// SaveSession upserts status and progress.
func (s *Store) SaveSession(ctx context.Context, rec model.SessionRecord) error {
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, status, rows_processed, rows_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			rows_processed = excluded.rows_processed,
			rows_total = excluded.rows_total,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Mode, rec.Status, rec.RowsProcessed, rec.RowsTotal, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite save session %s: %w", rec.ID, err)
	}
	return nil
}

// LoadSession returns the session row, or ok=false if absent.
func (s *Store) LoadSession(ctx context.Context, id string) (model.SessionRecord, bool, error) {
	var rec model.SessionRecord
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, status, rows_processed, rows_total, updated_at FROM sessions WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Mode, &rec.Status, &rec.RowsProcessed, &rec.RowsTotal, &updated)
	if err == sql.ErrNoRows {
		return model.SessionRecord{}, false, nil
	}
	if err != nil {
		return model.SessionRecord{}, false, fmt.Errorf("sqlite load session %s: %w", id, err)
	}
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, true, nil
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, rows_processed, rows_total, updated_at FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		var updated int64
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.Status, &rec.RowsProcessed, &rec.RowsTotal, &updated); err != nil {
			return nil, fmt.Errorf("sqlite scan session: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}
