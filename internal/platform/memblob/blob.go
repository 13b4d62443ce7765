// Package memblob provides an in-memory blob store with optional per-key
// TTL. It stages large payload chunks out-of-band from queue messages in
// local development and tests.
package memblob

import (
	"context"
	"sync"
	"time"

	"github.com/mkarlsen/conveyor/internal/queue"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store implements queue.BlobStore with a map behind a mutex. Expired
// entries are dropped lazily on read.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewStore creates an empty blob store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Ensure Store implements the blob store interface
var _ queue.BlobStore = (*Store)(nil)

// Get implements queue.BlobStore.Get.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}

	value := append([]byte(nil), e.value...)
	return value, true, nil
}

// Put implements queue.BlobStore.Put. A zero ttl means no expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete implements queue.BlobStore.Delete. Deleting an absent key is not
// an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}
