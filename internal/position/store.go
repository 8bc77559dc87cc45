// Package position persists how many bytes of the log have been processed.
package position

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store keeps the processed offset as decimal text in a single file.
type Store struct {
	path string
}

// New creates a store backed by the file at path.
func New(path string) *Store {
	return &Store{path: path}
}

// DefaultPath derives the state file location from the log path.
func DefaultPath(logPath string) string {
	return logPath + ".miniwaf.pos"
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the saved offset. A missing file yields 0. Unparsable content
// also yields 0, along with an error describing it.
func (s *Store) Load() (int64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read position file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}

	offset, err := strconv.ParseInt(text, 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid position %q in %s", text, s.path)
	}
	return offset, nil
}

// Save overwrites the state file with offset.
func (s *Store) Save(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("invalid position %d", offset)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create position directory: %w", err)
	}

	// Write to a temp file first, then rename over the old state.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0644); err != nil {
		return fmt.Errorf("failed to write position file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace position file: %w", err)
	}

	return nil
}
