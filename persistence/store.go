// Package persistence provides the durable document layer behind every task.
//
// Each task owns a small set of JSON documents (call stack, shared context,
// one action log per call node, HIL and confirmation records) addressed by
// string keys derived from the task identity. Writes replace whole documents
// atomically; there is no partial update.
//
// Supported backends:
// - Memory: For development and testing
// - File: For single-node deployments (atomic temp-file + rename)
// - Redis: For distributed deployments
// - SQL: postgres / mysql / sqlite via gorm
// - Mongo: MongoDB collections
//
// The single-writer rule per task is enforced by a Locker from the same backend.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agenttree/types"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidKey  = errors.New("invalid document key")
	ErrLocked      = errors.New("lock held by another owner")
	ErrLockLost    = errors.New("lock not held by owner")
)

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// DocumentStore is a key-value store of whole JSON documents.
type DocumentStore interface {
	Store

	// Get returns the document body or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put atomically replaces the document.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes the document. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Locker is a lease-based mutual exclusion keyed by string.
type Locker interface {
	// Acquire takes the lease or returns ErrLocked. Re-acquiring an owned lease extends it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error

	// Refresh extends a held lease or returns ErrLockLost.
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// LoadJSON reads and decodes a document. Missing documents return ErrNotFound unwrapped.
func LoadJSON(ctx context.Context, s DocumentStore, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return wrapIO("get "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.NewPersistenceError("decode "+key, err)
	}
	return nil
}

// SaveJSON encodes and atomically replaces a document.
func SaveJSON(ctx context.Context, s DocumentStore, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.NewPersistenceError("encode "+key, err)
	}
	if err := s.Put(ctx, key, data); err != nil {
		return wrapIO("put "+key, err)
	}
	return nil
}

// wrapIO classifies a backend failure as a persistence error unless it already carries a code.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if types.GetErrorCode(err) != "" {
		return err
	}
	return types.NewPersistenceError(op, err)
}

// validateKey rejects keys that would escape a namespace on path-like backends.
func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
