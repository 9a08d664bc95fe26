package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory DocumentStore.
// Suitable for development and testing; nothing survives the process.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns a copy of the document.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.docs[key] = append([]byte(nil), data...)
	return nil
}

// Delete removes the document.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.docs, key)
	return nil
}

// List returns sorted keys with the given prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0)
	for k := range s.docs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// =============================================================================
// 🔒 MemoryLocker
// =============================================================================

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLocker creates a process-local locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

// Acquire takes or extends the lease.
func (l *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return ErrLocked
	}
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Refresh extends a held lease.
func (l *MemoryLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return ErrLockLost
	}
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release drops the lease if still owned.
func (l *MemoryLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
