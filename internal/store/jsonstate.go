// Package store provides the durable state layer for modelmux: small JSON
// documents for the ledger, governor, breaker, dedup window and queue, and
// a SQLite database for the shadow bench.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"modelmux/internal/logging"
)

// JSONState persists a single JSON document at a fixed path.
// Writes go through a temp file then rename so a crash mid-write never
// leaves a truncated document behind.
type JSONState struct {
	mu   sync.Mutex
	path string
}

// NewJSONState creates a state file handle, ensuring the directory exists.
func NewJSONState(path string) (*JSONState, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &JSONState{path: path}, nil
}

// Path returns the backing file path.
func (s *JSONState) Path() string { return s.path }

// Load unmarshals the document into v. A missing file is not an error;
// v is left untouched and ok is false.
func (s *JSONState) Load(v interface{}) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt state file should not take the process down; start fresh.
		logging.Get(logging.CategoryStore).Warn("corrupt state file %s: %v", s.path, err)
		return false, nil
	}
	return true, nil
}

// Save marshals v and writes it atomically.
func (s *JSONState) Save(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	logging.StoreDebug("saved %s (%d bytes)", filepath.Base(s.path), len(data))
	return nil
}
