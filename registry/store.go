// Package registry persists the shared work registry and lock table as
// versioned JSON documents under the project-local state directory. All
// writers follow a read-version/write-if-unchanged discipline; this is
// best-effort single-host mutual exclusion, not a consensus primitive.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrVersionConflict is returned by Save when the on-disk document changed
// since it was loaded. Callers re-read and retry.
var ErrVersionConflict = errors.New("registry: version conflict")

// VersionedStore is a JSON document on disk with a monotonically increasing
// version. Save succeeds only if the stored version still matches the one
// the caller loaded, giving optimistic concurrency across coordinator and
// sweep writers.
type VersionedStore struct {
	path string

	// mu serializes in-process writers; cross-process conflicts are caught
	// by the version check.
	mu sync.Mutex
}

type versionedDoc struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// NewVersionedStore creates a store backed by the given file path. The file
// is created on first Save.
func NewVersionedStore(path string) *VersionedStore {
	return &VersionedStore{path: path}
}

// Path returns the backing file path.
func (s *VersionedStore) Path() string {
	return s.path
}

// Load reads the document into out and returns its version. A missing file
// is not an error: out is left untouched and version 0 is returned.
func (s *VersionedStore) Load(out interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(out)
}

func (s *VersionedStore) loadLocked(out interface{}) (int64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var doc versionedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, out); err != nil {
			return 0, fmt.Errorf("failed to parse %s payload: %w", s.path, err)
		}
	}
	return doc.Version, nil
}

// Save writes the document if and only if the on-disk version still equals
// expect. The write goes through a temp file and rename so readers never
// observe a partial document.
func (s *VersionedStore) Save(in interface{}, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read the current version: another process may have written since
	// the caller's Load.
	var discard json.RawMessage
	current, err := s.loadLocked(&discard)
	if err != nil {
		return err
	}
	if current != expect {
		return fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, current, expect)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	data, err := json.MarshalIndent(versionedDoc{Version: expect + 1, Data: payload}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// maxUpdateRetries bounds the CAS retry loop in Update.
const maxUpdateRetries = 5

// Update applies fn to the current document under a load/save CAS loop,
// retrying on version conflicts. The zero value of T is passed to fn when
// the file does not exist yet.
func Update[T any](s *VersionedStore, fn func(*T) error) error {
	var lastErr error
	for i := 0; i < maxUpdateRetries; i++ {
		var doc T
		version, err := s.Load(&doc)
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		if err := s.Save(&doc, version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}
