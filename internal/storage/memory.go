package storage

import (
	"context"
	"sync"

	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
)

// Memory is an in-process Store. Nothing survives a restart; every message is
// "new" again. Used by tests and for ephemeral runs.
type Memory struct {
	mu    sync.Mutex
	blobs map[string]secrets.Blob
	seen  map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		blobs: map[string]secrets.Blob{},
		seen:  map[string]map[string]struct{}{},
	}
}

func (m *Memory) PutBlob(_ context.Context, email string, b secrets.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[email] = b
	return nil
}

func (m *Memory) GetBlob(_ context.Context, email string) (secrets.Blob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[email]
	return b, ok, nil
}

func (m *Memory) DeleteBlob(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, email)
	return nil
}

func (m *Memory) FilterUnseen(_ context.Context, email string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.seen[email]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) MarkSeen(_ context.Context, email string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.seen[email]
	if seen == nil {
		seen = map[string]struct{}{}
		m.seen[email] = seen
	}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return nil
}

func (m *Memory) PurgeAccount(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, email)
	delete(m.seen, email)
	return nil
}

func (m *Memory) Close() error { return nil }
