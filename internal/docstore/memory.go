package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ragrelay/ragrelay/internal/tensor"
)

// Compile-time check: Memory implements Store.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and single-host runs.
type Memory struct {
	mu   sync.RWMutex
	docs map[int64]Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[int64]Document)}
}

// Put stores the given documents, replacing existing ids.
func (m *Memory) Put(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return nil
}

// DocDicts resolves one DocDict per query row.
func (m *Memory) DocDicts(_ context.Context, ids tensor.IDMatrix) ([]DocDict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DocDict, ids.Rows)
	for i := range ids.Rows {
		dict := newDocDict(ids.Cols)
		for _, id := range ids.Row(i) {
			doc, ok := m.docs[id]
			if !ok {
				return nil, fmt.Errorf("doc %d: %w", id, ErrDocNotFound)
			}
			dict.append(doc)
		}
		out[i] = dict
	}
	return out, nil
}

// WaitForReady is immediate for the in-memory store.
func (m *Memory) WaitForReady(_ context.Context, _ time.Duration) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}
