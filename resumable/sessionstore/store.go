// Package sessionstore persists resumable upload sessions so an interrupted
// upload can continue where it stopped, even after the process restarted.
//
// Entries are keyed by the upload identity (bucket/object[/generation]) and
// hold the session URI together with the first bytes of the upload, which
// are compared before a cached session is resumed.
package sessionstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when no session is stored under the key.
var ErrNotFound = errors.New("session not found")

// FingerprintSize is the maximum length of Descriptor.FirstChunk.
const FingerprintSize = 16

// Descriptor is a persisted upload session.
type Descriptor struct {
	URI        string `json:"uri"`
	FirstChunk []byte `json:"firstChunk,omitempty"`
}

// Store persists session descriptors.
type Store interface {
	Get(ctx context.Context, key string) (Descriptor, error)
	Set(ctx context.Context, key string, d Descriptor) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Descriptor
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]Descriptor{}}
}

// Get ...
func (s *MemoryStore) Get(_ context.Context, key string) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.sessions[key]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d.clone(), nil
}

// Set ...
func (s *MemoryStore) Set(_ context.Context, key string, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		s.sessions = map[string]Descriptor{}
	}
	s.sessions[key] = d.clone()
	return nil
}

// Delete ...
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	return nil
}

func (d Descriptor) clone() Descriptor {
	if d.FirstChunk == nil {
		return d
	}
	return Descriptor{URI: d.URI, FirstChunk: append([]byte(nil), d.FirstChunk...)}
}
