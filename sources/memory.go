package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tarungka/changewatch/internal/models"
)

var errMemoryFeedClosed = errors.New("memory feed closed")

type memoryEntry struct {
	event models.ChangeEvent

	// error entries carry the marker of the event before them
	err   error
	after models.Marker
	fired bool
}

// MemoryFeed is an in process change feed. Events get sequence markers in
// append order. It can inject session failures and discard history, which is
// what the watcher tests drive it with.
type MemoryFeed struct {
	name string

	mu            sync.Mutex
	entries       []memoryEntry
	seq           uint64
	compactedTo   models.Marker
	subscribeErrs []error
	subscriptions int
	notify        chan struct{}
	closed        bool
}

func NewMemoryFeed(name string) *MemoryFeed {
	return &MemoryFeed{
		name:   name,
		notify: make(chan struct{}),
	}
}

func (f *MemoryFeed) Name() string { return f.name }

// Append adds an event to the feed and returns its marker
func (f *MemoryFeed) Append(entityType models.EntityType, entityID string, kind models.ChangeKind, payload map[string]any) models.Marker {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	marker := models.SeqMarker(f.seq)
	event, err := models.NewChangeEvent(f.name, marker, entityType, entityID, kind, payload)
	if err != nil {
		// uuid generation only fails when the random source is broken
		panic(err)
	}
	f.entries = append(f.entries, memoryEntry{event: event})
	f.wake()
	return marker
}

// AppendError makes the first subscription that reads past the current end
// of the feed fail with err. Later subscriptions do not see it again.
func (f *MemoryFeed) AppendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	after := models.Beginning
	if f.seq > 0 {
		after = models.SeqMarker(f.seq)
	}
	f.entries = append(f.entries, memoryEntry{err: err, after: after})
	f.wake()
}

// FailNextSubscribe makes the next Subscribe calls fail, one error per call
func (f *MemoryFeed) FailNextSubscribe(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs = append(f.subscribeErrs, errs...)
}

// Compact discards every event up to and including upTo. Resuming before it
// fails with ErrInvalidStartMarker.
func (f *MemoryFeed) Compact(upTo models.Marker) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.err == nil && !e.event.Marker.After(upTo) {
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	if upTo.After(f.compactedTo) {
		f.compactedTo = upTo
	}
}

// Subscriptions returns how many sessions were opened successfully
func (f *MemoryFeed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions
}

// Last returns the marker of the newest event
func (f *MemoryFeed) Last() models.Marker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq == 0 {
		return models.Beginning
	}
	return models.SeqMarker(f.seq)
}

func (f *MemoryFeed) Subscribe(ctx context.Context, start models.Marker, types []models.EntityType) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errMemoryFeedClosed
	}
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		return nil, err
	}
	if !start.IsBeginning() {
		if _, err := start.Seq(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStartMarker, err)
		}
	}
	if !f.compactedTo.IsBeginning() && start.Compare(f.compactedTo) < 0 {
		return nil, fmt.Errorf("%w: history before %s was discarded", ErrInvalidStartMarker, f.compactedTo)
	}

	f.subscriptions++
	return &memorySubscription{
		feed:   f,
		start:  start,
		filter: models.NewEntityTypeSet(types),
		done:   make(chan struct{}),
	}, nil
}

// ParseMarker accepts a sequence number
func (f *MemoryFeed) ParseMarker(s string) (models.Marker, error) { return parseSeqMarker(s) }

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// wake releases every subscription blocked in Next. Must hold mu.
func (f *MemoryFeed) wake() {
	close(f.notify)
	f.notify = make(chan struct{})
}

type memorySubscription struct {
	feed   *MemoryFeed
	start  models.Marker
	filter models.EntityTypeSet

	// position is the marker of the last entry handed out, tracked by marker
	// rather than index since Compact rewrites the slice
	position models.Marker

	closeOnce sync.Once
	done      chan struct{}
	failed    error
}

func (s *memorySubscription) Next(ctx context.Context) (models.ChangeEvent, error) {
	for {
		s.feed.mu.Lock()
		if s.failed != nil {
			s.feed.mu.Unlock()
			return models.ChangeEvent{}, s.failed
		}
		select {
		case <-s.done:
			s.feed.mu.Unlock()
			return models.ChangeEvent{}, ErrSubscriptionClosed
		default:
		}

		if event, ok, err := s.next(); ok {
			s.feed.mu.Unlock()
			return event, err
		}
		notify := s.feed.notify
		s.feed.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.ChangeEvent{}, ctx.Err()
		case <-s.done:
			return models.ChangeEvent{}, ErrSubscriptionClosed
		case <-notify:
		}
	}
}

// next scans for the first entry after the current position. Must hold the
// feed lock.
func (s *memorySubscription) next() (models.ChangeEvent, bool, error) {
	from := s.start
	if s.position.After(from) {
		from = s.position
	}
	for i := range s.feed.entries {
		e := &s.feed.entries[i]
		if e.err != nil {
			if e.fired || e.after.Compare(from) < 0 {
				continue
			}
			e.fired = true
			s.failed = e.err
			return models.ChangeEvent{}, true, e.err
		}
		if !e.event.Marker.After(from) {
			continue
		}
		s.position = e.event.Marker
		if len(s.filter) > 0 && !s.filter.Contains(e.event.EntityType) {
			from = s.position
			continue
		}
		return e.event, true, nil
	}
	return models.ChangeEvent{}, false, nil
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
