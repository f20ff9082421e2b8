// Package memory implements the kernel's kv.Store on top of an embedded
// buntdb database, for local development and tests where a Postgres
// instance isn't available. buntdb transactions don't nest, so savepoints
// are modeled as an in-process stack of undo logs layered over a single
// buntdb database.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/buntdb"

	"go.ocapkernel.dev/kernel/internal/kv"
)

// undoEntry records the value a key held the first time a savepoint frame
// touched it, so rolling back that frame can restore it.
type undoEntry struct {
	existed bool
	value   string
}

type frame struct {
	name string
	undo map[string]undoEntry
}

// Store is a kv.Store backed by an embedded buntdb database.
type Store struct {
	db *buntdb.DB

	mu    sync.Mutex
	stack []*frame
}

// Open opens (or creates) a buntdb database at path. Pass ":memory:" for a
// non-persistent store, the way buntdb's own tests do.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
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

// recordUndo captures key's pre-write value in the innermost open frame, the
// first time that frame touches the key.
func (s *Store) recordUndo(tx *buntdb.Tx, key string) {
	if len(s.stack) == 0 {
		return
	}
	top := s.stack[len(s.stack)-1]
	if _, already := top.undo[key]; already {
		return
	}
	v, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		top.undo[key] = undoEntry{existed: false}
		return
	}
	top.undo[key] = undoEntry{existed: true, value: v}
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		s.recordUndo(tx, key)
		_, _, err := tx.Set(key, value, nil)
		return err
	})
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		s.recordUndo(tx, key)
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *Store) GetNextKey(_ context.Context, previousKey string) (string, bool, error) {
	var key string
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", previousKey, func(k, _ string) bool {
			if k == previousKey {
				return true
			}
			key, found = k, true
			return false
		})
	})
	return key, found, err
}

func (s *Store) GetKVData(_ context.Context, vatID string) ([]kv.KVPair, error) {
	prefix := kv.VatKeyPrefix(vatID)
	var pairs []kv.KVPair
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", prefix, func(k, v string) bool {
			if !strings.HasPrefix(k, prefix) {
				return false
			}
			pairs = append(pairs, kv.KVPair{Key: strings.TrimPrefix(k, prefix), Value: v})
			return true
		})
	})
	return pairs, err
}

func (s *Store) UpdateKVData(_ context.Context, vatID string, delta kv.Delta) error {
	prefix := kv.VatKeyPrefix(vatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, pair := range delta.Sets {
			s.recordUndo(tx, prefix+pair.Key)
			if _, _, err := tx.Set(prefix+pair.Key, pair.Value, nil); err != nil {
				return err
			}
		}
		for _, key := range delta.Deletes {
			s.recordUndo(tx, prefix+key)
			if _, err := tx.Delete(prefix + key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteVatStore(_ context.Context, vatID string) error {
	prefix := kv.VatKeyPrefix(vatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.AscendGreaterOrEqual("", prefix, func(k, _ string) bool {
			if !strings.HasPrefix(k, prefix) {
				return false
			}
			keys = append(keys, k)
			return true
		}); err != nil {
			return err
		}
		for _, k := range keys {
			s.recordUndo(tx, k)
			if _, err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CreateSavepoint(_ context.Context, name string) error {
	if err := kv.ValidateIdentifier(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, &frame{name: name, undo: make(map[string]undoEntry)})
	return nil
}

func (s *Store) ReleaseSavepoint(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.topOfStack(name) {
		return fmt.Errorf("%w: %s", kv.ErrSavepointNotOpen, name)
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]

	if len(s.stack) == 0 {
		return nil
	}
	// Merge into the parent's undo log: a key the parent hasn't seen yet
	// keeps the child's original pre-write value.
	parent := s.stack[len(s.stack)-1]
	for key, entry := range top.undo {
		if _, already := parent.undo[key]; !already {
			parent.undo[key] = entry
		}
	}
	return nil
}

func (s *Store) RollbackSavepoint(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.topOfStack(name) {
		return fmt.Errorf("%w: %s", kv.ErrSavepointNotOpen, name)
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]

	return s.db.Update(func(tx *buntdb.Tx) error {
		for key, entry := range top.undo {
			if !entry.existed {
				if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
					return err
				}
				continue
			}
			if _, _, err := tx.Set(key, entry.value, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SavepointDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

func (s *Store) topOfStack(name string) bool {
	return len(s.stack) > 0 && s.stack[len(s.stack)-1].name == name
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.Ascend("", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExecuteQuery isn't meaningful for an embedded key/value store; it always
// returns an error so the kernelctl CLI can report that diagnostics queries
// require the Postgres backend.
func (s *Store) ExecuteQuery(_ context.Context, _ string) ([]kv.KVPair, error) {
	return nil, fmt.Errorf("memory: executeQuery is only supported on the postgres backend")
}

var _ kv.Store = (*Store)(nil)
