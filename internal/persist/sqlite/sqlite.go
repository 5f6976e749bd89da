// Package sqlite is the local persist.Store backend on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/nuka-cognition/internal/persist"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (kind, id)
);`

// InMemory is the path of a private, process-local database.
const InMemory = ":memory:"

// Open opens (or creates) a SQLite database at path with WAL journaling.
func Open(path string) (*sql.DB, error) {
	if path != InMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == InMemory {
		// each :memory: connection is its own database; keep exactly one
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Store keeps one row per record; fields are a JSON object.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens path and ensures the schema exists.
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := NewWithDB(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wires an existing connection.
func NewWithDB(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	logger.Info("SQLite store ready")
	return &Store{db: db, logger: logger}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func save(ctx context.Context, db execer, kind persist.Kind, id string, rec persist.Record) error {
	fields, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO records (kind, id, fields) VALUES (?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET fields = excluded.fields,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		string(kind), id, string(fields))
	return err
}

func (s *Store) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	return save(ctx, s.db, kind, id, rec)
}

func (s *Store) Load(ctx context.Context, kind persist.Kind, id string) (persist.Record, error) {
	var fields string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec persist.Record
	if err := json.Unmarshal([]byte(fields), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, kind persist.Kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	return err
}

func (s *Store) Keys(ctx context.Context, kind persist.Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

func (s *Store) Begin(ctx context.Context) (persist.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sqlite tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	return save(ctx, t.tx, kind, id, rec)
}

func (t *sqliteTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
