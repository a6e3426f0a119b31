package sources

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnknownSourceType is returned by CreateSource for unregistered types
var ErrUnknownSourceType = errors.New("unknown source type")

// SourceCreator builds a client from its configuration
type SourceCreator func(config SourceConfig, logger zerolog.Logger) (Client, error)

// SourceFactory creates clients based on configuration
type SourceFactory struct {
	mu       sync.RWMutex
	creators map[string]SourceCreator
}

var defaultFactory = &SourceFactory{
	creators: make(map[string]SourceCreator),
}

func init() {
	RegisterSource("mongodb", NewMongoSource)
	RegisterSource("kafka", NewKafkaSource)
}

// RegisterSource registers a new source type with the default factory,
// registering a name twice replaces the creator.
func RegisterSource(name string, creator SourceCreator) {
	defaultFactory.mu.Lock()
	defer defaultFactory.mu.Unlock()
	defaultFactory.creators[name] = creator
}

// CreateSource creates a client using the default factory.
func CreateSource(config SourceConfig, logger zerolog.Logger) (Client, error) {
	defaultFactory.mu.RLock()
	creator, exists := defaultFactory.creators[config.ConnectionType]
	defaultFactory.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q (feed %s)", ErrUnknownSourceType, config.ConnectionType, config.Name)
	}

	logger = logger.With().Str("feed", config.Name).Str("source", config.ConnectionType).Logger()
	return creator(config, logger)
}

// IsRegistered reports whether a source type can be created
func IsRegistered(sourceType string) bool {
	defaultFactory.mu.RLock()
	defer defaultFactory.mu.RUnlock()
	_, ok := defaultFactory.creators[sourceType]
	return ok
}
