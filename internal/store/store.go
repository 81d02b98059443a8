// Package store provides crash-safe persistence of core state as JSON files.
//
// Each object store key maps to a separate file: obj_<key>.json. Writes use
// atomic file replacement (write to .tmp, then rename) to prevent corruption
// from partial writes or crashes mid-save. The state manager persists the
// strategy machines under "state_machines" and the position manager persists
// its book under "positions"; both restore on startup.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known object store keys.
const (
	KeyStateMachines = "state_machines"
	KeyPositions     = "positions"
)

// Store persists named objects to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing obj_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Has reports whether an object exists under the key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.path(key))
	return err == nil
}

// Save atomically persists an object under the key. It writes to a .tmp file
// first, then renames over the target so the file is never left in a partial
// state (crash-safe).
func (s *Store) Save(key string, obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return os.Rename(tmp, path)
}

// Load restores an object from disk into out. Returns found=false with a nil
// error when no object exists under the key (fresh start).
func (s *Store) Load(key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, "obj_"+key+".json")
}
