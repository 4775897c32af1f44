// Package prefs persists small per-user UI preferences, currently only the
// last selected board, in a local JSON file.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Store struct {
	path string

	mu         sync.Mutex
	lastBoards map[string]string
}

type fileFormat struct {
	LastBoards map[string]string `json:"lastBoards"`
}

// Open reads the preference file if it exists; a missing file is an empty
// store.
func Open(path string) (*Store, error) {
	store := &Store{path: path, lastBoards: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prefs: %w", err)
	}

	var contents fileFormat
	if err := json.Unmarshal(raw, &contents); err != nil {
		return nil, fmt.Errorf("decode prefs: %w", err)
	}
	if contents.LastBoards != nil {
		store.lastBoards = contents.LastBoards
	}
	return store, nil
}

// LastBoard returns the last board the user selected, or "".
func (s *Store) LastBoard(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBoards[userID]
}

// SetLastBoard records the selection and writes the file. An empty board id
// clears the entry.
func (s *Store) SetLastBoard(userID, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if boardID == "" {
		delete(s.lastBoards, userID)
	} else {
		s.lastBoards[userID] = boardID
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	encoded, err := json.MarshalIndent(fileFormat{LastBoards: s.lastBoards}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace prefs: %w", err)
	}
	return nil
}
