package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Marker names a persisted revision pointer.
type Marker string

const (
	// PreUpdateCommit is the revision checked out before the last update attempt.
	PreUpdateCommit Marker = "pre_update_commit"
	// LastGoodCommit is the last revision that passed its health check.
	LastGoodCommit Marker = "last_good_commit"
)

// MarkerStore keeps one file per marker, each holding a single revision id.
type MarkerStore struct {
	dir string
}

// NewMarkerStore returns a store rooted at dir.
func NewMarkerStore(dir string) *MarkerStore {
	return &MarkerStore{dir: dir}
}

func (m *MarkerStore) path(marker Marker) string {
	return filepath.Join(m.dir, string(marker))
}

// Read returns the stored revision and whether one exists. Empty files count
// as absent.
func (m *MarkerStore) Read(marker Marker) (string, bool, error) {
	data, err := os.ReadFile(m.path(marker))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", marker, err)
	}
	rev := strings.TrimSpace(string(data))
	return rev, rev != "", nil
}

// Write replaces the stored revision.
func (m *MarkerStore) Write(marker Marker, revision string) error {
	revision = strings.TrimSpace(revision)
	if revision == "" {
		return fmt.Errorf("write %s: empty revision", marker)
	}
	if err := WriteFileAtomic(m.path(marker), []byte(revision+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", marker, err)
	}
	return nil
}

// Clear removes the stored revision. Clearing an absent marker is not an error.
func (m *MarkerStore) Clear(marker Marker) error {
	if err := os.Remove(m.path(marker)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear %s: %w", marker, err)
	}
	return nil
}

// Markers returns both markers, blank when absent.
func (m *MarkerStore) Markers() (pre string, lastGood string, err error) {
	pre, _, err = m.Read(PreUpdateCommit)
	if err != nil {
		return "", "", err
	}
	lastGood, _, err = m.Read(LastGoodCommit)
	if err != nil {
		return "", "", err
	}
	return pre, lastGood, nil
}
