/*
Package statefile is an atomic, file-lock-serialized JSON document store:
one JSON file per document, a sibling ".lock" file for cross-process
mutual exclusion, and temp-file-plus-rename writes so a crash mid-write
never corrupts the previous durable state.
*/
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/cuemby/fleetctl/pkg/errs"
)

// Store guards one JSON document at path with a sibling "<path>.lock" file.
type Store struct {
	path string
	lock *flock.Flock
}

// New returns a Store for the document at path, creating its parent
// directory (mode 0700) if missing.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{path: path, lock: flock.New(path + ".lock")}, nil
}

// WithLock acquires the exclusive file lock, decodes the current document
// (if any) into dst, invokes fn, and if fn returns a non-nil replacement
// encodes and atomically persists it. fn receives true for existed iff the
// document was present and well-formed before the call.
//
// A missing file is treated as "no document yet" (existed=false, dst left
// zero-valued); a corrupt file surfaces as an IntegrityError.
func (s *Store) WithLock(dst interface{}, fn func(existed bool) (replace interface{}, err error)) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer s.lock.Unlock()

	existed, err := s.decode(dst)
	if err != nil {
		return err
	}

	replace, err := fn(existed)
	if err != nil {
		return err
	}
	if replace == nil {
		return nil
	}
	return s.writeAtomic(replace)
}

func (s *Store) decode(dst interface{}) (bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, &errs.IntegrityError{Path: s.path, Reason: err.Error()}
	}
	return true, nil
}

func (s *Store) writeAtomic(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".statefile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// Read decodes the current document into dst without taking the write
// lock's replace path; it still acquires the lock to avoid torn reads
// against a concurrent writer.
func (s *Store) Read(dst interface{}) (bool, error) {
	if err := s.lock.Lock(); err != nil {
		return false, fmt.Errorf("acquire state lock: %w", err)
	}
	defer s.lock.Unlock()
	return s.decode(dst)
}
