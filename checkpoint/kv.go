package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/internal/utils"
)

// kvRecord is the msgpack layout shared by the key/value backends
type kvRecord struct {
	FeedID        string `codec:"feed_id"`
	Marker        string `codec:"sequence_marker"`
	LastUpdatedAt int64  `codec:"last_updated_at"` // unix nanos
}

// kvBackend is the minimal surface a key/value database offers. A single put
// must replace the value atomically.
type kvBackend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
	close() error
}

// kvStore implements Store on top of any kvBackend.
type kvStore struct {
	backend kvBackend
	prefix  string
	logger  zerolog.Logger
}

func (s *kvStore) key(feedID string) string { return s.prefix + feedID }

func (s *kvStore) Load(ctx context.Context, feedID string) (Checkpoint, error) {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return Checkpoint{}, err
	}
	data, ok, err := s.backend.get(ctx, s.key(feedID))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint of %s: %w", feedID, err)
	}
	if !ok {
		return beginning(feedID), nil
	}
	return decodeRecord(feedID, data)
}

func (s *kvStore) Save(ctx context.Context, feedID string, marker models.Marker) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	data, err := encodeRecord(Checkpoint{FeedID: feedID, Marker: marker, LastUpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.backend.put(ctx, s.key(feedID), data); err != nil {
		return fmt.Errorf("failed to write checkpoint of %s: %w", feedID, err)
	}
	s.logger.Trace().Str("feed", feedID).Str("marker", marker.String()).Msg("checkpoint saved")
	return nil
}

func (s *kvStore) Delete(ctx context.Context, feedID string) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	return s.backend.del(ctx, s.key(feedID))
}

func (s *kvStore) Close() error { return s.backend.close() }

func encodeRecord(cp Checkpoint) ([]byte, error) {
	return utils.EncodeMsgPack(kvRecord{
		FeedID:        cp.FeedID,
		Marker:        string(cp.Marker),
		LastUpdatedAt: cp.LastUpdatedAt.UnixNano(),
	})
}

func decodeRecord(feedID string, data []byte) (Checkpoint, error) {
	var rec kvRecord
	if err := utils.DecodeMsgPack(data, &rec); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint record for %s: %w", feedID, err)
	}
	return Checkpoint{
		FeedID:        feedID,
		Marker:        models.Marker(rec.Marker),
		LastUpdatedAt: time.Unix(0, rec.LastUpdatedAt).UTC(),
	}, nil
}
