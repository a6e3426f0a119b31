package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/tarungka/changewatch/internal/models"
)

// MemoryStore keeps checkpoints in memory, nothing survives the process.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]Checkpoint),
	}
}

func (m *MemoryStore) Load(ctx context.Context, feedID string) (Checkpoint, error) {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[feedID]
	if !ok {
		return beginning(feedID), nil
	}
	return cp, nil
}

func (m *MemoryStore) Save(ctx context.Context, feedID string, marker models.Marker) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[feedID] = Checkpoint{FeedID: feedID, Marker: marker, LastUpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, feedID string) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, feedID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
