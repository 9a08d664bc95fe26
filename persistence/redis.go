package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based DocumentStore. Each document is one string key.
// Suitable for distributed deployments.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
}

// NewRedisClient opens and pings a client.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agenttree:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "doc:"}
}

func (s *RedisStore) key(k string) string { return s.keyPrefix + k }

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get fetches the document.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put replaces the document. A single SET is atomic.
func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	return s.client.Set(ctx, s.key(key), data, 0).Err()
}

// Delete removes the document.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// List SCANs for keys under prefix.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			seen[strings.TrimPrefix(k, s.keyPrefix)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// =============================================================================
// 🔒 RedisLocker
// =============================================================================

var (
	// refresh only when the caller still owns the lease
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLocker implements Locker with SET NX PX and owner-checked scripts.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "agenttree:"
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix + "lock:"}
}

// Acquire takes the lease, or extends it when already owned.
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := l.Refresh(ctx, key, owner, ttl); err != nil {
		if errors.Is(err, ErrLockLost) {
			return ErrLocked
		}
		return err
	}
	return nil
}

// Refresh extends an owned lease.
func (l *RedisLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.keyPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes the lease if owned.
func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.keyPrefix + key}, owner).Err()
}
