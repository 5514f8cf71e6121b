package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const stateFileName = "quota-state.json"

// FileStore persists quota state as a single JSON document, rewritten
// atomically (write-temp-then-rename). A file lock guards the state against
// a second process mutating the same file.
type FileStore struct {
	path string
	lock *flock.Flock
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the state directory if needed and takes the file
// lock. It fails if another process already holds the lock.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quota: create state dir: %w", err)
	}

	path := filepath.Join(dir, stateFileName)
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("quota: acquire state lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("quota: state file %s is locked by another process", path)
	}

	return &FileStore{path: path, lock: lock}, nil
}

// Load reads the stored state. A missing file is not an error.
func (s *FileStore) Load() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("quota: read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("quota: parse state: %w", err)
	}
	return st, true, nil
}

// Save atomically rewrites the state file.
func (s *FileStore) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("quota: marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("quota: write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("quota: replace state: %w", err)
	}
	return nil
}

// Close releases the file lock.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}
