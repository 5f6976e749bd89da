// Package postgres is the server persist.Store backend on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate executes every *.up.sql file in migrationsDir in name order.
// Migrations are written to be re-runnable.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func save(ctx context.Context, db execer, kind persist.Kind, id string, rec persist.Record) error {
	fields, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO cognition_records (kind, id, fields, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (kind, id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = NOW()`,
		string(kind), id, fields)
	return err
}

func (s *Store) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	return save(ctx, s.db, kind, id, rec)
}

func (s *Store) Load(ctx context.Context, kind persist.Kind, id string) (persist.Record, error) {
	var fields []byte
	err := s.db.QueryRow(ctx,
		`SELECT fields FROM cognition_records WHERE kind = $1 AND id = $2`,
		string(kind), id).Scan(&fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec persist.Record
	if err := json.Unmarshal(fields, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, kind persist.Kind, id string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM cognition_records WHERE kind = $1 AND id = $2`, string(kind), id)
	return err
}

func (s *Store) Keys(ctx context.Context, kind persist.Kind) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM cognition_records WHERE kind = $1 ORDER BY id`, string(kind))
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
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin postgres tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	return save(ctx, t.tx, kind, id, rec)
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
