package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps blobs in a map. Read and write failures can be injected
// to exercise the persistence error paths.
type MemoryBackend struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	readErr  error
	writeErr error
	writes   int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Write(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.blobs[key] = append([]byte(nil), data...)
	m.writes++
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// FailReads makes subsequent reads return err; nil restores normal behavior.
func (m *MemoryBackend) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// FailWrites makes subsequent writes return err; nil restores normal behavior.
func (m *MemoryBackend) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Writes reports how many writes succeeded.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Raw returns the stored bytes for key, or nil.
func (m *MemoryBackend) Raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.blobs[key]; ok {
		return append([]byte(nil), data...)
	}
	return nil
}
