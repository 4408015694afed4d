// Package progress persists harvest checkpoints so a multi-hour run can
// resume after interruption.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bibharvest/internal/domain"
	"bibharvest/internal/ports"
)

// ErrNoCheckpoint signals that no prior run exists at the store path.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Store checkpoints ProgressState as a JSON file. Writes go to a temp file
// first and are renamed into place, so a crash mid-write never corrupts the
// last good checkpoint.
type Store struct {
	path string
}

var _ ports.ProgressStore = (*Store)(nil)

// NewStore creates a store rooted at path. Parent directories are created
// on first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the last saved state, or ErrNoCheckpoint when none exists.
// A checkpoint that cannot be parsed is surfaced as an error rather than
// silently restarted.
func (s *Store) Load() (*domain.ProgressState, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	var state domain.ProgressState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", s.path, err)
	}
	return &state, nil
}

// Save durably writes the state. The temp file is synced before the rename
// so the checkpoint survives a crash at any point.
func (s *Store) Save(state *domain.ProgressState) error {
	state.LastSaved = time.Now().UTC()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint %s: %w", s.path, err)
	}
	return nil
}

// Archive copies the current checkpoint to a run-stamped sibling. The live
// checkpoint stays in place as an audit trail for downstream commands.
func (s *Store) Archive(runID string) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCheckpoint
		}
		return fmt.Errorf("read checkpoint for archive: %w", err)
	}

	name := fmt.Sprintf("%s.%s.archive", s.path, runID)
	if err := os.WriteFile(name, raw, 0o644); err != nil {
		return fmt.Errorf("write archive %s: %w", name, err)
	}
	return nil
}
