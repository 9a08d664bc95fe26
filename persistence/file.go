package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileExt = ".json"

// FileStore is a file-based DocumentStore: one JSON file per key under baseDir.
// Suitable for single-node deployments.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates the directory and returns a store rooted at it.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory.
func (s *FileStore) BaseDir() string { return s.baseDir }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, key+fileExt)
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks the directory is still reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Get reads the document file.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes the document atomically: write a temp file then rename over the target.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return writeFileAtomic(s.path(key), data)
}

// Delete removes the document file.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List scans the directory for keys with the given prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key := strings.TrimSuffix(name, fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// =============================================================================
// 🔒 FileLocker
// =============================================================================

// FileLocker implements Locker with lock files created by O_EXCL.
// The file body records the owner and lease expiry; an expired file may be taken over.
type FileLocker struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

type fileLease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileLocker creates a locker keeping lock files under dir.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLocker{dir: dir, now: time.Now}, nil
}

func (l *FileLocker) path(key string) string {
	return filepath.Join(l.dir, key+".lock")
}

func (l *FileLocker) read(key string) (*fileLease, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, err
	}
	var fl fileLease
	if err := json.Unmarshal(data, &fl); err != nil {
		// A torn write from a crashed holder counts as expired.
		return &fileLease{}, nil
	}
	return &fl, nil
}

// Acquire creates the lock file or takes over an expired or self-owned one.
func (l *FileLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	body, err := json.Marshal(fileLease{Owner: owner, ExpiresAt: l.now().Add(ttl)})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(body)
			cerr := f.Close()
			if werr != nil {
				return werr
			}
			return cerr
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}

		cur, rerr := l.read(key)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				continue
			}
			return rerr
		}
		if cur.Owner == owner {
			return writeFileAtomic(l.path(key), body)
		}
		if l.now().Before(cur.ExpiresAt) {
			return ErrLocked
		}
		// stale lease: remove and race for O_EXCL once more
		if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return ErrLocked
}

// Refresh rewrites the expiry of an owned lease.
func (l *FileLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.read(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrLockLost
		}
		return err
	}
	if cur.Owner != owner {
		return ErrLockLost
	}
	body, err := json.Marshal(fileLease{Owner: owner, ExpiresAt: l.now().Add(ttl)})
	if err != nil {
		return err
	}
	return writeFileAtomic(l.path(key), body)
}

// Release removes the lock file if owned.
func (l *FileLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.read(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if cur.Owner != owner {
		return nil
	}
	if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
