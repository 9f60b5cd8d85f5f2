// Package storage persists the action queue and feature state as keyed blobs.
//
// A Backend only knows how to atomically read and overwrite one blob per key;
// QueueStore layers the queue document format, corruption handling and
// logging on top. Three backends ship with the agent: a directory of JSON
// files guarded by an advisory file lock, a SQLite database, and an in-memory
// map used by tests and the demo.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the key has never been written.
	ErrNotFound = errors.New("storage: key not found")
	// ErrClosed indicates the backend was already closed.
	ErrClosed = errors.New("storage: backend closed")
	// ErrInvalidKey indicates an empty or malformed key.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Backend stores opaque blobs under string keys.
//
// Write must replace the previous value atomically: a crash during Write
// leaves either the old or the new value readable, never a mix.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// Open builds a backend by driver name.
func Open(driver, path string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file", "":
		return NewFileBackend(path)
	case "sqlite":
		return OpenSQLite(path)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
