package kv

import "errors"

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrLocked is returned by Acquire when another holder owns the lock.
	ErrLocked = errors.New("kv: lock held")
)
