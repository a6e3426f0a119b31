// Package checkpoint persists the last processed sequence marker of each feed
// so that watching can resume from it after a restart.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
)

var (
	// ErrFeedIDRequired is returned when a store is called without a feed id.
	ErrFeedIDRequired = errors.New("checkpoint: feed id is required")

	// ErrInvalidFeedID is returned for feed ids that cannot be used as a key.
	ErrInvalidFeedID = errors.New("checkpoint: invalid feed id")

	// ErrUnknownBackend is returned by New for unsupported backends.
	ErrUnknownBackend = errors.New("checkpoint: unknown backend")
)

// Checkpoint is the last marker of a feed that was fully handed off to the
// dispatcher.
type Checkpoint struct {
	FeedID        string        `json:"feed_id"`
	Marker        models.Marker `json:"sequence_marker"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
}

// Store persists one checkpoint record per feed. Every record has exactly one
// writer, the watcher of that feed.
type Store interface {
	// Load returns the persisted checkpoint of feedID. A feed that was never
	// checkpointed loads as models.Beginning, absence is not an error.
	Load(ctx context.Context, feedID string) (Checkpoint, error)

	// Save atomically replaces the checkpoint of feedID.
	Save(ctx context.Context, feedID string, marker models.Marker) error

	// Delete forgets the checkpoint of feedID.
	Delete(ctx context.Context, feedID string) error

	Close() error
}

// Config selects and configures a checkpoint backend
type Config struct {
	Backend    string        `koanf:"backend" json:"backend"` // file, memory, badger, bolt, etcd, mongodb, redis
	Dir        string        `koanf:"dir" json:"dir"`         // file and badger directory, bolt file
	URI        string        `koanf:"uri" json:"uri"`         // mongodb and redis
	Endpoints  []string      `koanf:"endpoints" json:"endpoints"`
	Database   string        `koanf:"database" json:"database"`
	Collection string        `koanf:"collection" json:"collection"`
	Prefix     string        `koanf:"prefix" json:"prefix"` // key prefix for etcd and redis
	Timeout    time.Duration `koanf:"timeout" json:"timeout"`
}

const (
	defaultDir     = ".checkpoints"
	defaultPrefix  = "changewatch/checkpoints/"
	defaultTimeout = 5 * time.Second
)

// New opens the configured backend.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	logger = logger.With().Str("component", "checkpoint").Str("backend", cfg.Backend).Logger()

	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = defaultDir
		}
		return NewFileStore(dir, logger)
	case "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(cfg.Dir, logger)
	case "bolt":
		return NewBoltStore(cfg.Dir, cfg.Timeout, logger)
	case "etcd":
		return NewEtcdStore(cfg.Endpoints, cfg.Prefix, cfg.Timeout, logger)
	case "mongodb":
		return NewMongoStore(ctx, cfg.URI, cfg.Database, cfg.Collection, logger)
	case "redis":
		return NewRedisStore(ctx, cfg.URI, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}

// Backends lists the backends New can open
var Backends = []string{"file", "memory", "badger", "bolt", "etcd", "mongodb", "redis"}

// IsKnownBackend reports whether New supports backend. Empty selects file.
func IsKnownBackend(backend string) bool {
	if backend == "" {
		return true
	}
	for _, b := range Backends {
		if strings.EqualFold(b, backend) {
			return true
		}
	}
	return false
}

// ValidateFeedID checks that feedID can key a checkpoint record
func ValidateFeedID(feedID string) error {
	_, err := validateFeedID(feedID)
	return err
}

func validateFeedID(feedID string) (string, error) {
	feedID = strings.TrimSpace(feedID)
	if feedID == "" {
		return "", ErrFeedIDRequired
	}
	if strings.ContainsAny(feedID, `/\`) || feedID == "." || feedID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeedID, feedID)
	}
	return feedID, nil
}

func beginning(feedID string) Checkpoint {
	return Checkpoint{FeedID: feedID, Marker: models.Beginning}
}
