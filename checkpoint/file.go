package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
)

const fileSuffix = ".checkpoint.json"

// FileStore keeps one JSON document per feed in a directory. Records are
// replaced by writing a temp file and renaming it over the old one.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	logger.Debug().Str("dir", dir).Msg("using file checkpoints")
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(feedID string) string {
	return filepath.Join(s.dir, feedID+fileSuffix)
}

func (s *FileStore) Load(ctx context.Context, feedID string) (Checkpoint, error) {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(feedID))
	if errors.Is(err, os.ErrNotExist) {
		return beginning(feedID), nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint of %s: %w", feedID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint file for %s: %w", feedID, err)
	}
	cp.FeedID = feedID
	return cp, nil
}

func (s *FileStore) Save(ctx context.Context, feedID string, marker models.Marker) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Checkpoint{FeedID: feedID, Marker: marker, LastUpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, feedID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path(feedID)); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	s.syncDir()

	s.logger.Trace().Str("feed", feedID).Str("marker", marker.String()).Msg("checkpoint saved")
	return nil
}

// syncDir makes the rename durable, not every platform supports it
func (s *FileStore) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Trace().Err(err).Msg("directory sync not supported")
	}
}

func (s *FileStore) Delete(ctx context.Context, feedID string) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(feedID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
