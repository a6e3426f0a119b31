// Package sources holds the change feed clients. A client opens a
// subscription at a marker and yields the feed's change events one at a time.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tarungka/changewatch/internal/models"
)

var (
	// ErrFeedDisconnected is returned when the session to the feed was lost.
	// Clients never reconnect on their own, the watcher decides when to
	// resubscribe and from which checkpoint.
	ErrFeedDisconnected = errors.New("feed disconnected")

	// ErrInvalidStartMarker is returned when the feed no longer has the
	// history needed to resume at the requested marker.
	ErrInvalidStartMarker = errors.New("invalid start marker")

	// ErrAuthentication is returned when the feed rejected our credentials.
	ErrAuthentication = errors.New("feed authentication failed")

	// ErrSubscriptionClosed is returned by Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrMalformedMarker is returned by ParseMarker for text that is not a
	// position of the feed.
	ErrMalformedMarker = errors.New("malformed marker")
)

// Client opens subscriptions to one change feed
type Client interface {
	// Subscribe opens a new session that yields the events strictly after
	// start whose entity type is in types.
	Subscribe(ctx context.Context, start models.Marker, types []models.EntityType) (Subscription, error)

	// ParseMarker turns an operator supplied position into the canonical
	// marker the feed's events carry, so that both compare in feed order.
	// Empty text is the beginning.
	ParseMarker(s string) (models.Marker, error)

	// Name of the feed
	Name() string

	// Close the client and every resource shared by its subscriptions
	Close() error
}

// Subscription is a live session with a feed. It is not rewindable, resuming
// at a different marker needs a new subscription.
type Subscription interface {
	// Next blocks until the next event is available. The feed is conceptually
	// infinite, so Next only returns when an event arrives, ctx is done or
	// the session failed.
	Next(ctx context.Context) (models.ChangeEvent, error)

	Close() error
}

// SourceConfig is the configuration of one feed
type SourceConfig struct {
	Name           string            `koanf:"name" json:"name"` // the feed id, also the checkpoint key
	ConnectionType string            `koanf:"type" json:"type"`
	EntityTypes    []string          `koanf:"entity_types" json:"entity_types"`
	StartMarker    string            `koanf:"start_marker" json:"start_marker"` // used when no checkpoint exists
	Config         map[string]string `koanf:"config" json:"config"`
}

// WatchedTypes returns the configured entity types
func (c SourceConfig) WatchedTypes() []models.EntityType {
	types := make([]models.EntityType, 0, len(c.EntityTypes))
	for _, t := range c.EntityTypes {
		types = append(types, models.EntityType(t))
	}
	return types
}

// IsFatal reports whether err requires operator intervention instead of a
// reconnect.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidStartMarker) || errors.Is(err, ErrAuthentication)
}

// parseSeqMarker parses a decimal position, padded or not, into a SeqMarker
func parseSeqMarker(s string) (models.Marker, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Beginning, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return models.Beginning, fmt.Errorf("%w: %q is not a position", ErrMalformedMarker, s)
	}
	return models.SeqMarker(n), nil
}
