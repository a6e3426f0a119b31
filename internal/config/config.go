// Package config loads the process configuration from files, the environment
// and command line flags, and validates it before anything connects.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tarungka/changewatch/checkpoint"
	"github.com/tarungka/changewatch/internal/dispatch"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/internal/watcher"
	"github.com/tarungka/changewatch/sinks"
	"github.com/tarungka/changewatch/sources"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
	File        string `koanf:"file"`
}

type ServerConfig struct {
	Port string `koanf:"port"` // empty disables the status server
}

type Config struct {
	Service         string                 `koanf:"service"`
	Log             LogConfig              `koanf:"log"`
	Server          ServerConfig           `koanf:"server"`
	Checkpoint      checkpoint.Config      `koanf:"checkpoint"`
	Feeds           []sources.SourceConfig `koanf:"feeds"`
	Handlers        []HandlerConfig        `koanf:"handlers"`
	Retry           dispatch.RetryPolicy   `koanf:"retry"`
	Reconnect       watcher.BackoffPolicy  `koanf:"reconnect"`
	ShutdownTimeout time.Duration          `koanf:"shutdown_timeout"`
}

// HandlerConfig is a sink bound to entity types. Feeds restricts it to the
// named feeds, empty binds it to every feed watching one of its types.
type HandlerConfig struct {
	sinks.SinkConfig `koanf:",squash"`
	Feeds            []string `koanf:"feeds"`
}

// Default returns the configuration every loaded file is merged onto
func Default() Config {
	return Config{
		Service:         "changewatch",
		Log:             LogConfig{Level: "info"},
		Checkpoint:      checkpoint.Config{Backend: "file"},
		Retry:           dispatch.DefaultRetryPolicy(),
		Reconnect:       watcher.DefaultBackoffPolicy(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// Feed returns the configuration of the named feed
func (c *Config) Feed(name string) (sources.SourceConfig, bool) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, true
		}
	}
	return sources.SourceConfig{}, false
}

// Binding is a handler with the entity types it handles on one feed
type Binding struct {
	Handler HandlerConfig
	Types   []models.EntityType
}

// BindingsFor returns the handlers of feed in configuration order
func (c *Config) BindingsFor(feed sources.SourceConfig) []Binding {
	watched := models.NewEntityTypeSet(feed.WatchedTypes())

	var out []Binding
	for _, h := range c.Handlers {
		explicit := len(h.Feeds) > 0
		if explicit && !slices.Contains(h.Feeds, feed.Name) {
			continue
		}
		var types []models.EntityType
		for _, t := range h.HandledTypes() {
			// handlers bound by name keep unwatched types so the dispatcher
			// rejects them
			if explicit || watched.Contains(t) {
				types = append(types, t)
			}
		}
		if len(types) > 0 {
			out = append(out, Binding{Handler: h, Types: types})
		}
	}
	return out
}

// Validate reports every problem of the configuration at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Feeds) == 0 {
		add("no feeds configured")
	}
	if !checkpoint.IsKnownBackend(c.Checkpoint.Backend) {
		add("%w: %s", checkpoint.ErrUnknownBackend, c.Checkpoint.Backend)
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown_timeout must be positive")
	}

	feedNames := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if err := checkpoint.ValidateFeedID(f.Name); err != nil {
			add("feeds[%d]: %w", i, err)
			continue
		}
		if feedNames[f.Name] {
			add("feeds[%d]: duplicate feed %q", i, f.Name)
		}
		feedNames[f.Name] = true

		if !sources.IsRegistered(f.ConnectionType) {
			add("feed %s: %w: %q", f.Name, sources.ErrUnknownSourceType, f.ConnectionType)
		}
		if len(f.EntityTypes) == 0 {
			add("feed %s: no entity types watched", f.Name)
		}
		seen := make(map[string]bool, len(f.EntityTypes))
		for _, t := range f.EntityTypes {
			if seen[t] {
				add("feed %s: entity type %s listed twice", f.Name, t)
			}
			seen[t] = true
		}
	}

	handlerNames := make(map[string]bool, len(c.Handlers))
	for i, h := range c.Handlers {
		if h.Name == "" {
			add("handlers[%d]: name is required", i)
		} else if handlerNames[h.Name] {
			add("handlers[%d]: duplicate handler %q", i, h.Name)
		}
		handlerNames[h.Name] = true

		if !sinks.IsRegistered(h.ConnectionType) {
			add("handler %s: %w: %q", h.Name, sinks.ErrUnknownSinkType, h.ConnectionType)
		}
		if len(h.EntityTypes) == 0 {
			add("handler %s: no entity types", h.Name)
		}
		for _, name := range h.Feeds {
			if !feedNames[name] {
				add("handler %s: unknown feed %q", h.Name, name)
			}
		}
		if len(h.Feeds) == 0 && !c.watchedAnywhere(h.HandledTypes()) {
			add("handler %s: %w", h.Name, dispatch.ErrUnwatchedEntityType)
		}
	}

	for _, f := range c.Feeds {
		bound := make(map[models.EntityType]bool)
		watched := models.NewEntityTypeSet(f.WatchedTypes())
		for _, b := range c.BindingsFor(f) {
			for _, t := range b.Types {
				if !watched.Contains(t) {
					add("feed %s: handler %s: %w: %s", f.Name, b.Handler.Name, dispatch.ErrUnwatchedEntityType, t)
				}
				bound[t] = true
			}
		}
		for _, t := range f.WatchedTypes() {
			if !bound[t] {
				add("feed %s: %w: %s", f.Name, dispatch.ErrUnregisteredEntityType, t)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c *Config) watchedAnywhere(types []models.EntityType) bool {
	for _, f := range c.Feeds {
		watched := models.NewEntityTypeSet(f.WatchedTypes())
		for _, t := range types {
			if watched.Contains(t) {
				return true
			}
		}
	}
	return false
}
