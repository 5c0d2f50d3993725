package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

// ErrNotFound is returned by stores for unknown keys
var ErrNotFound = errors.New("snapshot not found")

const keyPrefix = "requirement_payload"

// Key returns the single persisted key of a session
func Key(sessionID string) string {
	return keyPrefix + ":" + sessionID
}

// Snapshot is the persisted state of one session: the latest SpecResponse
// and what is needed to rebuild its context on reload
type Snapshot struct {
	SessionID string              `json:"sessionId"`
	Owner     string              `json:"owner"`
	Template  spec.TemplateName   `json:"template"`
	Response  models.SpecResponse `json:"specResponse"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Store is the session-scoped key-value persistence adapter
type Store interface {
	Load(ctx context.Context, key string) (*Snapshot, error)
	Save(ctx context.Context, key string, snap Snapshot) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps serialized snapshots in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load returns the snapshot stored under key
func (s *MemoryStore) Load(ctx context.Context, key string) (*Snapshot, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// Save overwrites the snapshot stored under key
func (s *MemoryStore) Save(ctx context.Context, key string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", key, err)
	}

	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}
