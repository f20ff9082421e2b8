// Package postgres implements the kernel's kv.Store on top of PostgreSQL,
// using real nested SQL SAVEPOINTs for the substrate's savepoint stack.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	sqldblogger "github.com/simukti/sqldb-logger"

	"go.ocapkernel.dev/kernel/internal/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS kernel_kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is a kv.Store backed by an open *sql.Tx so that
// CreateSavepoint/ReleaseSavepoint/RollbackSavepoint map onto real nested
// SQL SAVEPOINTs within one transaction. The transaction is committed and
// replaced each time the savepoint stack drains back to empty.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	tx    *sql.Tx
	stack []string
}

type loggerFunc func(ctx context.Context, level sqldblogger.Level, msg string, data map[string]interface{})

func (l loggerFunc) Log(ctx context.Context, level sqldblogger.Level, msg string, data map[string]interface{}) {
	l(ctx, level, msg, data)
}

// Open connects to dsn, wraps the driver with query logging through logger,
// ensures the schema exists, and opens the outermost transaction.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	rawDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db := sqldblogger.OpenDriver(dsn, rawDB.Driver(), loggerFunc(func(ctx context.Context, level sqldblogger.Level, msg string, data map[string]interface{}) {
		logger.DebugContext(ctx, msg, slog.Any("data", data))
	}))

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	s := &Store{db: db, logger: logger}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	s.tx = tx
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		_ = s.tx.Commit()
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.tx.QueryRowContext(ctx, `SELECT value FROM kernel_kv WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) GetRequired(ctx context.Context, key string) (string, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", kv.ErrNotFound, key)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO kernel_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx, `DELETE FROM kernel_kv WHERE key = $1`, key)
	return err
}

func (s *Store) GetNextKey(ctx context.Context, previousKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key string
	err := s.tx.QueryRowContext(ctx,
		`SELECT key FROM kernel_kv WHERE key > $1 ORDER BY key ASC LIMIT 1`, previousKey).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (s *Store) GetKVData(ctx context.Context, vatID string) ([]kv.KVPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := kv.VatKeyPrefix(vatID)
	rows, err := s.tx.QueryContext(ctx,
		`SELECT key, value FROM kernel_kv WHERE key LIKE $1 ORDER BY key ASC`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []kv.KVPair
	for rows.Next() {
		var p kv.KVPair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, err
		}
		p.Key = strings.TrimPrefix(p.Key, prefix)
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (s *Store) UpdateKVData(ctx context.Context, vatID string, delta kv.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := kv.VatKeyPrefix(vatID)
	for _, pair := range delta.Sets {
		if _, err := s.tx.ExecContext(ctx, `
			INSERT INTO kernel_kv (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, prefix+pair.Key, pair.Value); err != nil {
			return err
		}
	}
	for _, key := range delta.Deletes {
		if _, err := s.tx.ExecContext(ctx, `DELETE FROM kernel_kv WHERE key = $1`, prefix+key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteVatStore(ctx context.Context, vatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx, `DELETE FROM kernel_kv WHERE key LIKE $1`, kv.VatKeyPrefix(vatID)+"%")
	return err
}

func (s *Store) CreateSavepoint(ctx context.Context, name string) error {
	if err := kv.ValidateIdentifier(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return err
	}
	s.stack = append(s.stack, name)
	return nil
}

func (s *Store) ReleaseSavepoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.topOfStack(name) {
		return fmt.Errorf("%w: %s", kv.ErrSavepointNotOpen, name)
	}
	if _, err := s.tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name)); err != nil {
		return err
	}
	s.stack = s.stack[:len(s.stack)-1]
	if len(s.stack) == 0 {
		return s.commitAndReopen(ctx)
	}
	return nil
}

func (s *Store) RollbackSavepoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.topOfStack(name) {
		return fmt.Errorf("%w: %s", kv.ErrSavepointNotOpen, name)
	}
	if _, err := s.tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name)); err != nil {
		return err
	}
	s.stack = s.stack[:len(s.stack)-1]
	if len(s.stack) == 0 {
		return s.commitAndReopen(ctx)
	}
	return nil
}

// commitAndReopen commits the current outermost transaction and opens a
// fresh one in its place. Called whenever the savepoint stack drains back
// to depth 0, so every completed or aborted top-level unit of work is
// durable before the next one starts.
func (s *Store) commitAndReopen(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *Store) SavepointDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

func (s *Store) topOfStack(name string) bool {
	return len(s.stack) > 0 && s.stack[len(s.stack)-1] == name
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx, `DELETE FROM kernel_kv`)
	return err
}

// ExecuteQuery runs a read-only diagnostic query. Column 0 becomes the key,
// column 1 (if present) becomes the value; it exists for operator debugging
// through the kernelctl CLI, not for kernel-internal use.
func (s *Store) ExecuteQuery(ctx context.Context, query string) ([]kv.KVPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var pairs []kv.KVPair
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		values := make([]string, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		pair := kv.KVPair{Key: values[0]}
		if len(values) > 1 {
			pair.Value = values[1]
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

var _ kv.Store = (*Store)(nil)
