package requests

import (
	"context"
	"sync"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// FileStore resolves and stores the out-of-band bytes behind resolvable
// parameter values.
type FileStore interface {
	// Fetch returns the bytes behind a storage reference.
	Fetch(ctx context.Context, id string) ([]byte, error)

	// Store persists bytes and returns a canonical storage reference.
	Store(ctx context.Context, data []byte) (string, error)
}

// MemoryFileStore keeps file chunks in process. Production deployments
// swap in an object-store-backed implementation through the same
// interface.
type MemoryFileStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryFileStore creates an empty file store.
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string][]byte)}
}

// Fetch returns the bytes behind a storage reference.
func (s *MemoryFileStore) Fetch(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[id]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "FileStore", "Fetch", id)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Store persists bytes under a fresh reference.
func (s *MemoryFileStore) Store(_ context.Context, data []byte) (string, error) {
	id := model.NewID()
	s.mu.Lock()
	s.files[id] = append([]byte(nil), data...)
	s.mu.Unlock()
	return id, nil
}
