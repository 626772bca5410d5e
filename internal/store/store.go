package store

import (
	"context"
	"sync"

	"github.com/loykin/svcmon/internal/slot"
)

// Store persists the ordered slot list between supervisor runs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the saved descriptors in display order. A store that
	// has never been saved returns an empty list.
	Load(ctx context.Context) ([]slot.Descriptor, error)
	// Save replaces the saved list with ds.
	Save(ctx context.Context, ds []slot.Descriptor) error
	Close() error
}

// Memory keeps descriptors in process memory. It backs embedded use and
// tests.
type Memory struct {
	mu sync.Mutex
	ds []slot.Descriptor
}

func NewMemory(initial ...slot.Descriptor) *Memory {
	return &Memory{ds: append([]slot.Descriptor(nil), initial...)}
}

func (m *Memory) Load(context.Context) ([]slot.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]slot.Descriptor(nil), m.ds...), nil
}

func (m *Memory) Save(_ context.Context, ds []slot.Descriptor) error {
	m.mu.Lock()
	m.ds = append([]slot.Descriptor(nil), ds...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
