package session

import (
	"context"
	"sort"
	"sync"

	"github.com/TalG1018/PsyCounselor/pkg/window"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	snaps  map[string]Snapshot
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save stores a copy of snap, replacing any previous snapshot.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	snap.Turns = copyTurns(snap.Turns)
	m.snaps[snap.SessionID] = snap
	return nil
}

// Load returns a copy of the stored snapshot.
func (m *MemoryStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	snap, ok := m.snaps[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	snap.Turns = copyTurns(snap.Turns)
	return &snap, nil
}

// Delete removes the snapshot.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.snaps[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.snaps, sessionID)
	return nil
}

// List returns stored sessions ordered by id.
func (m *MemoryStore) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Info, 0, len(m.snaps))
	for id, snap := range m.snaps {
		out = append(out, Info{SessionID: id, Turns: len(snap.Turns), UpdatedAt: snap.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyTurns(turns []window.Turn) []window.Turn {
	out := make([]window.Turn, len(turns))
	for i, t := range turns {
		t.Keywords = append([]string(nil), t.Keywords...)
		out[i] = t
	}
	return out
}
