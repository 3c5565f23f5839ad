package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore persists channel states as a flat JSON object on disk.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed channel state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads states from disk. Missing or corrupt files return an empty map
// with a warning.
func (s *FileStore) Load(ctx context.Context) (ChannelStates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("path", s.path).Msg("relay state file missing, starting fresh")
			return ChannelStates{}, nil
		}
		return nil, err
	}

	var states ChannelStates
	if err := json.Unmarshal(data, &states); err != nil {
		s.logger.Warn().Str("path", s.path).Err(err).Msg("relay state file corrupt, starting fresh")
		return ChannelStates{}, nil
	}
	if states == nil {
		states = ChannelStates{}
	}
	return states, nil
}

// Save overwrites the state file atomically.
func (s *FileStore) Save(ctx context.Context, states ChannelStates) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if states == nil {
		states = ChannelStates{}
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path, append(data, '\n'), 0o644)
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path, so readers never see a partial document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tempFile.Name(), perm); err != nil {
		cleanup()
		return err
	}

	if err := os.Rename(tempFile.Name(), path); err != nil {
		cleanup()
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}
