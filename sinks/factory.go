package sinks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnknownSinkType is returned by CreateSink for unregistered types
var ErrUnknownSinkType = errors.New("unknown sink type")

type SinkCreator func(config SinkConfig, logger zerolog.Logger) (Handler, error)

// SinkFactory creates handlers based on configuration
type SinkFactory struct {
	mu       sync.RWMutex
	creators map[string]SinkCreator
}

var defaultFactory = &SinkFactory{
	creators: make(map[string]SinkCreator),
}

func init() {
	RegisterSink("elasticsearch", NewElasticSink)
	RegisterSink("kafka", NewKafkaSink)
	RegisterSink("file", NewFileSink)
}

// RegisterSink registers a new sink type with the default factory
func RegisterSink(name string, creator SinkCreator) {
	defaultFactory.mu.Lock()
	defer defaultFactory.mu.Unlock()
	defaultFactory.creators[name] = creator
}

// CreateSink creates a handler using the default factory
func CreateSink(config SinkConfig, logger zerolog.Logger) (Handler, error) {
	defaultFactory.mu.RLock()
	creator, exists := defaultFactory.creators[config.ConnectionType]
	defaultFactory.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q (handler %s)", ErrUnknownSinkType, config.ConnectionType, config.Name)
	}

	logger = logger.With().Str("handler", config.Name).Str("sink", config.ConnectionType).Logger()
	return creator(config, logger)
}

// IsRegistered reports whether a sink type can be created
func IsRegistered(sinkType string) bool {
	defaultFactory.mu.RLock()
	defer defaultFactory.mu.RUnlock()
	_, ok := defaultFactory.creators[sinkType]
	return ok
}
