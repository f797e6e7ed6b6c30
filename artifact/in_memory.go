package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentstate/core"
)

type artifactKey struct {
	app     string
	user    string
	session string
}

// InMemoryStore is an in-process ArtifactStore useful for tests, examples
// and single-process prototypes. Artifacts live in a nested map guarded by
// an RWMutex. Data is copied on save and retrieval to avoid accidental
// external mutation of internal buffers.
//
// This implementation is intentionally minimal; it does not enforce
// retention limits, size quotas, or eviction. For production, prefer a
// durable backend that survives process restarts.
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[artifactKey]map[string][]byte
}

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[artifactKey]map[string][]byte)}
}

// Save stores (or overwrites) the artifact bytes. The input slice is copied
// before storage.
func (a *InMemoryStore) Save(ctx context.Context, appName, userID, sessionID, artifactID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := artifactKey{appName, userID, sessionID}
	if _, ok := a.artifacts[key]; !ok {
		a.artifacts[key] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	a.artifacts[key][artifactID] = cp
	return nil
}

// Get returns a copy of the stored artifact bytes or core.ErrNotFound.
func (a *InMemoryStore) Get(ctx context.Context, appName, userID, sessionID, artifactID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.artifacts[artifactKey{appName, userID, sessionID}]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, core.ErrNotFound)
	}
	data, ok := m[artifactID]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, core.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns the sorted artifact ids stored for the session. The slice is
// a snapshot and safe for caller mutation.
func (a *InMemoryStore) List(ctx context.Context, appName, userID, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.artifacts[artifactKey{appName, userID, sessionID}]
	if !ok {
		return []string{}, nil
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the artifact if present or returns core.ErrNotFound.
func (a *InMemoryStore) Delete(ctx context.Context, appName, userID, sessionID, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[artifactKey{appName, userID, sessionID}]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, core.ErrNotFound)
	}
	if _, ok := m[artifactID]; !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, core.ErrNotFound)
	}
	delete(m, artifactID)
	return nil
}
