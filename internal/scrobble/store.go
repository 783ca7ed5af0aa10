package scrobble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps credentials in memory and rewrites the whole JSON file
// on every change.
type FileStore struct {
	path string

	mu    sync.RWMutex
	creds map[string]Credential
}

// NewFileStore loads path if it exists. A missing file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		creds: make(map[string]Credential),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.creds); err != nil {
		return nil, fmt.Errorf("failed to parse credential store %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, participantID string) (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[participantID]
	return cred, ok, nil
}

func (s *FileStore) Set(_ context.Context, participantID string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.creds[participantID]
	s.creds[participantID] = cred
	if err := s.flushLocked(); err != nil {
		if had {
			s.creds[participantID] = prev
		} else {
			delete(s.creds, participantID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.creds[participantID]
	if !had {
		return nil
	}
	delete(s.creds, participantID)
	if err := s.flushLocked(); err != nil {
		s.creds[participantID] = prev
		return err
	}
	return nil
}

func (s *FileStore) All(context.Context) (map[string]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.creds), nil
}

// flushLocked writes to a temp file in the same directory and renames it
// over the store.
func (s *FileStore) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create credential store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace credential store: %w", err)
	}
	return nil
}
