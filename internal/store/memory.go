package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// MemoryStore keeps snapshots in process memory. Used in tests and for
// ephemeral deployments that do not want persistence.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[sessionID]
	if !ok {
		return nil, nil
	}
	snap.Messages = providers.CloneMessages(snap.Messages)
	return &snap, nil
}

func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Messages = providers.CloneMessages(snap.Messages)
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	s.snaps[snap.SessionID] = snap
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, sessionID)
	return nil
}

func (s *MemoryStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
