// Package kv is the small key-value layer runbookd uses for short-lived
// coordination state: materialization locks and the run status cache.
package kv

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines a minimal key-value interface. All operations support TTL;
// a TTL of 0 means the key does not expire.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrNotFound if key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete returns nil if key doesn't exist.
	Delete(ctx context.Context, key string) error

	// SetNX sets a value only if the key doesn't exist (atomic).
	// Returns true if the key was set, false if it already existed.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// DeleteIfEqual removes key only while it still holds value. It
	// reports whether a key was removed.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)

	Close() error
}

// Acquire takes a best-effort lock on key for at most ttl. The returned
// release func frees the lock only if this holder still owns it, so a
// holder that outlived its TTL cannot drop a successor's lock. Release uses
// its own context so a cancelled request still frees the lock.
func Acquire(ctx context.Context, s Store, key string, ttl time.Duration) (release func(), err error) {
	token := []byte(uuid.NewString())
	ok, err := s.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = s.DeleteIfEqual(ctx, key, token)
	}, nil
}
