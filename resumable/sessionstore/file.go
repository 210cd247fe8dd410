package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-resumable-upload/internal/osproxy"
	"github.com/mitchellh/go-homedir"
)

const (
	defaultConfigDir  = "~/.config/resumable-upload"
	defaultConfigFile = "sessions.json"
)

// DefaultFilePath returns the user scoped location of the session file.
func DefaultFilePath() (string, error) {
	dir, err := homedir.Expand(defaultConfigDir)
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(dir, defaultConfigFile), nil
}

// FileStore keeps every session of the user in a single JSON document.
// Writes go to a temporary file that is renamed over the document, so a
// crash never leaves a truncated file behind.
//
// Updates are serialized within one process only. Two processes sharing the
// document can overwrite each other's entries; use SQLiteStore for uploads
// running in parallel processes.
type FileStore struct {
	path string
	os   osproxy.OsProxy
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path; an empty path selects
// DefaultFilePath. A leading ~ is expanded.
func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithOS(path, osproxy.RealOS{})
}

// NewFileStoreWithOS is NewFileStore with a custom filesystem.
func NewFileStoreWithOS(path string, osProxy osproxy.OsProxy) (*FileStore, error) {
	if path == "" {
		p, err := DefaultFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand session file path: %w", err)
	}

	return &FileStore{path: expanded, os: osProxy}, nil
}

// Path returns the location of the session file.
func (s *FileStore) Path() string {
	return s.path
}

// Get ...
func (s *FileStore) Get(_ context.Context, key string) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return Descriptor{}, err
	}

	d, ok := sessions[key]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

// Set ...
func (s *FileStore) Set(_ context.Context, key string, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return err
	}
	sessions[key] = d

	return s.save(sessions)
}

// Delete ...
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := sessions[key]; !ok {
		return nil
	}
	delete(sessions, key)

	return s.save(sessions)
}

func (s *FileStore) load() (map[string]Descriptor, error) {
	data, err := s.os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Descriptor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(data) == 0 {
		return map[string]Descriptor{}, nil
	}

	sessions := map[string]Descriptor{}
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", s.path, err)
	}
	return sessions, nil
}

func (s *FileStore) save(sessions map[string]Descriptor) error {
	if err := s.os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := s.os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := s.os.Rename(tmpPath, s.path); err != nil {
		_ = s.os.Remove(tmpPath)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
