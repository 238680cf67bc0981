// Package store implements the agent's persistent key-value store: the
// equivalent of the extension's own storage area holding the authoritative
// payload, its metadata, and the trusted-domain list.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// Store is a small string key-value store with write-through persistence.
// It makes no exclusion guarantees beyond its own map lock; the watcher's
// state machine is what keeps writers from interleaving (single logical
// writer per state).
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	path   string
}

// New creates a store persisted at path. An empty path keeps the store purely
// in memory; tests and the simulator use that mode.
func New(path string) (*Store, error) {
	s := &Store{
		values: make(map[string]string),
		path:   path,
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set writes key=value and persists immediately.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist(snapshot)
}

// Delete removes key and persists immediately. Deleting an absent key is a
// no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	if _, ok := s.values[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.values, key)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist(snapshot)
}

func (s *Store) snapshotLocked() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	var values map[string]string
	if err := sonic.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse store file: %w", err)
	}
	if values != nil {
		s.values = values
	}
	return nil
}

// persist writes the whole map with an atomic replace so a crash mid-write
// never leaves a truncated store file.
func (s *Store) persist(values map[string]string) error {
	if s.path == "" {
		return nil
	}
	data, err := sonic.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	committed = true
	return nil
}
