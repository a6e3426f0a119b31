package models

import (
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
)

// EntityType names a class of record a feed is watching, e.g. Case or Agency.
type EntityType string

// ChangeKind is the kind of mutation observed on the feed.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

// ParseChangeKind maps the textual kind to a ChangeKind
func ParseChangeKind(s string) (ChangeKind, error) {
	switch ChangeKind(strings.ToLower(strings.TrimSpace(s))) {
	case Created:
		return Created, nil
	case Updated:
		return Updated, nil
	case Deleted:
		return Deleted, nil
	}
	return "", fmt.Errorf("unknown change kind %q", s)
}

// Marker is an opaque position in a change feed. Markers from the same feed
// compare lexicographically; every feed client encodes its native position so
// that this order is the feed order.
type Marker string

// Beginning is the marker of a feed that has never been checkpointed, it sorts
// before every other marker.
const Beginning Marker = ""

// markerWidth is wide enough for any uint64
const markerWidth = 20

// SeqMarker encodes an integer position as an order preserving marker.
func SeqMarker(n uint64) Marker {
	return Marker(fmt.Sprintf("%0*d", markerWidth, n))
}

// Seq decodes a marker created by SeqMarker.
func (m Marker) Seq() (uint64, error) {
	if m.IsBeginning() {
		return 0, fmt.Errorf("beginning marker has no position")
	}
	var n uint64
	if _, err := fmt.Sscanf(string(m), "%d", &n); err != nil {
		return 0, fmt.Errorf("marker %q is not a sequence marker: %w", string(m), err)
	}
	return n, nil
}

func (m Marker) IsBeginning() bool { return m == Beginning }

// Compare returns -1, 0 or +1 depending on whether m sorts before, equal to or
// after o.
func (m Marker) Compare(o Marker) int {
	return strings.Compare(string(m), string(o))
}

// After reports whether m is strictly after o.
func (m Marker) After(o Marker) bool { return m.Compare(o) > 0 }

func (m Marker) String() string {
	if m.IsBeginning() {
		return "beginning"
	}
	return string(m)
}

// ChangeEvent is a single mutation observed on a feed
type ChangeEvent struct {
	ID         uuid.UUID      `json:"id"` // a UUID v7 to correlate log lines for the event
	Feed       string         `json:"feed"`
	Marker     Marker         `json:"sequence_marker"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       ChangeKind     `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"` // nil for deletes
	ObservedAt time.Time      `json:"observed_at"`
}

// NewChangeEvent stamps a new event with an id and the time it was observed.
// Payloads of deleted records are dropped.
func NewChangeEvent(feed string, marker Marker, entityType EntityType, entityID string, kind ChangeKind, payload map[string]any) (ChangeEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("error when creating a change event id: %w", err)
	}
	if kind == Deleted {
		payload = nil
	}
	return ChangeEvent{
		ID:         id,
		Feed:       feed,
		Marker:     marker,
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// EntityTypeSet is the immutable set of types watched by a feed
type EntityTypeSet map[EntityType]struct{}

func NewEntityTypeSet(types []EntityType) EntityTypeSet {
	s := make(EntityTypeSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

func (s EntityTypeSet) Contains(t EntityType) bool {
	_, ok := s[t]
	return ok
}
