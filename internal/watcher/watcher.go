// Package watcher runs the read, dispatch and checkpoint loop of every feed
// and keeps it running across disconnects.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/checkpoint"
	"github.com/tarungka/changewatch/internal/dispatch"
	"github.com/tarungka/changewatch/internal/metrics"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/sources"
)

// ErrAlreadyStarted is returned by Run when the watcher already ran
var ErrAlreadyStarted = errors.New("watcher already started")

const defaultShutdownTimeout = 30 * time.Second

// BackoffPolicy is the capped exponential delay between reconnects
type BackoffPolicy struct {
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
	Multiplier      float64       `koanf:"multiplier"`
}

// DefaultBackoffPolicy starts at 500ms and doubles up to 30s between
// reconnects
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// newBackOff never gives up, a feed keeps reconnecting until it is stopped
func (p BackoffPolicy) newBackOff() *backoff.ExponentialBackOff {
	def := DefaultBackoffPolicy()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = def.InitialInterval
	b.MaxInterval = def.MaxInterval
	b.Multiplier = def.Multiplier
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Config of one feed's watcher
type Config struct {
	Feed  string
	Types []models.EntityType

	// StartMarker is where a feed without a persisted checkpoint starts
	StartMarker models.Marker

	// ShutdownTimeout bounds the in-flight dispatch and checkpoint save once
	// the watcher was asked to stop
	ShutdownTimeout time.Duration

	Backoff BackoffPolicy
}

// FeedStatus is a snapshot of a watcher
type FeedStatus struct {
	Feed              string    `json:"feed"`
	State             string    `json:"state"`
	Checkpoint        string    `json:"checkpoint"`
	Received          uint64    `json:"events_received"`
	Dispatched        uint64    `json:"events_dispatched"`
	Stale             uint64    `json:"stale_events_skipped"`
	PermanentFailures uint64    `json:"permanent_failures"`
	SaveFailures      uint64    `json:"checkpoint_save_failures"`
	Reconnects        uint64    `json:"reconnects"`
	LastError         string    `json:"last_error,omitempty"`
	LastEventAt       time.Time `json:"last_event_at,omitempty"`
}

// Watcher owns one feed. Events are handled strictly one at a time: the next
// event is read only after the previous one was dispatched and its checkpoint
// save was attempted.
type Watcher struct {
	cfg        Config
	client     sources.Client
	store      checkpoint.Store
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	state atomic.Int32

	mu     sync.RWMutex
	status FeedStatus
}

func New(cfg Config, client sources.Client, store checkpoint.Store, dispatcher *dispatch.Dispatcher, logger zerolog.Logger, m *metrics.Metrics) *Watcher {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if m == nil {
		m = metrics.NewNop()
	}
	w := &Watcher{
		cfg:        cfg,
		client:     client,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With().Str("feed", cfg.Feed).Logger(),
		metrics:    m,
		status:     FeedStatus{Feed: cfg.Feed},
	}
	w.metrics.FeedState.WithLabelValues(cfg.Feed).Set(float64(Idle))
	return w
}

func (w *Watcher) Feed() string { return w.cfg.Feed }

func (w *Watcher) State() State { return State(w.state.Load()) }

func (w *Watcher) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	w.metrics.FeedState.WithLabelValues(w.cfg.Feed).Set(float64(s))
	if prev != s {
		w.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Feed state changed")
	}
}

// Status returns a snapshot of the watcher
func (w *Watcher) Status() FeedStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.status
	s.State = w.State().String()
	return s
}

func (w *Watcher) update(fn func(s *FeedStatus)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

// Run watches the feed until ctx is done or a fatal error occurs. It returns
// nil on a cooperative stop, and the error that put the watcher in Failed
// otherwise. Disconnects never end Run.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return ErrAlreadyStarted
	}
	w.setState(Starting)
	w.logger.Info().Strs("entity_types", typeNames(w.cfg.Types)).Msg("Starting feed watcher")

	// configured markers are operator text, events carry the client's
	// canonical form and the two must compare in feed order
	start, err := w.client.ParseMarker(string(w.cfg.StartMarker))
	if err != nil {
		w.setState(Failed)
		w.update(func(s *FeedStatus) { s.LastError = err.Error() })
		w.logger.Error().Err(err).Str("start_marker", string(w.cfg.StartMarker)).Msg("Invalid start_marker")
		return fmt.Errorf("feed %s: start_marker: %w", w.cfg.Feed, err)
	}
	w.cfg.StartMarker = start

	bo := w.cfg.Backoff.newBackOff()
	for {
		if ctx.Err() != nil {
			return w.stop()
		}

		err := w.session(ctx, bo)
		if err == nil || ctx.Err() != nil {
			return w.stop()
		}
		w.update(func(s *FeedStatus) { s.LastError = err.Error() })

		if sources.IsFatal(err) {
			w.setState(Failed)
			w.logger.Error().Err(err).Msg("Feed failed, operator intervention required")
			return fmt.Errorf("feed %s: %w", w.cfg.Feed, err)
		}

		w.setState(Reconnecting)
		wait := bo.NextBackOff()
		w.metrics.Reconnects.WithLabelValues(w.cfg.Feed).Inc()
		w.update(func(s *FeedStatus) { s.Reconnects++ })
		w.logger.Warn().Err(err).Dur("backoff", wait).Msg("Feed disconnected, reconnecting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return w.stop()
		case <-t.C:
		}
	}
}

func (w *Watcher) stop() error {
	w.setState(Stopped)
	w.logger.Info().Msg("Feed watcher stopped")
	return nil
}

// session runs one subscription from the persisted checkpoint. It returns nil
// when ctx is done and the error that ended the session otherwise.
func (w *Watcher) session(ctx context.Context, bo backoff.BackOff) error {
	cp, err := w.store.Load(ctx, w.cfg.Feed)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// an unreadable store is retried like a disconnect
		return fmt.Errorf("error when loading the checkpoint: %w", err)
	}

	start := cp.Marker
	if start.IsBeginning() && !w.cfg.StartMarker.IsBeginning() {
		start = w.cfg.StartMarker
	}
	w.update(func(s *FeedStatus) { s.Checkpoint = cp.Marker.String() })

	sub, err := w.client.Subscribe(ctx, start, w.cfg.Types)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			w.logger.Debug().Err(err).Msg("Error when closing the subscription")
		}
	}()

	w.setState(Running)
	w.logger.Info().Str("start", start.String()).Msg("Subscribed to feed")

	last := start
	for {
		if ctx.Err() != nil {
			return nil
		}

		event, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		bo.Reset()

		w.metrics.EventsReceived.WithLabelValues(w.cfg.Feed, string(event.EntityType)).Inc()
		w.update(func(s *FeedStatus) {
			s.Received++
			s.LastEventAt = event.ObservedAt
		})

		if !event.Marker.After(last) {
			w.metrics.StaleEventsSkipped.WithLabelValues(w.cfg.Feed).Inc()
			w.update(func(s *FeedStatus) { s.Stale++ })
			w.logger.Warn().
				Str("marker", event.Marker.String()).
				Str("checkpoint", last.String()).
				Str("entity_type", string(event.EntityType)).
				Str("entity_id", event.EntityID).
				Msg("Skipping stale event")
			continue
		}

		w.process(ctx, event)
		last = event.Marker
	}
}

// process dispatches the event and then persists its marker. Both run on a
// context that outlives ctx by at most the shutdown timeout, so a stop
// request lets the in-flight event conclude.
func (w *Watcher) process(ctx context.Context, event models.ChangeEvent) {
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(w.cfg.ShutdownTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			w.logger.Warn().Str("marker", event.Marker.String()).Msg("Shutdown timeout reached with an event in flight")
			cancel()
		case <-pctx.Done():
		}
	})
	defer stop()

	outcome := w.dispatcher.Dispatch(pctx, event)
	w.update(func(s *FeedStatus) {
		s.Dispatched++
		s.PermanentFailures += uint64(len(outcome.Failed))
	})

	if err := w.store.Save(pctx, w.cfg.Feed, event.Marker); err != nil {
		// the next successful save supersedes this one
		w.metrics.CheckpointFailures.WithLabelValues(w.cfg.Feed).Inc()
		w.update(func(s *FeedStatus) {
			s.SaveFailures++
			s.LastError = err.Error()
		})
		w.logger.Error().Err(err).
			Str("marker", event.Marker.String()).
			Str("entity_type", string(event.EntityType)).
			Str("entity_id", event.EntityID).
			Str("event_id", event.ID.String()).
			Msg("Error when saving the checkpoint")
		return
	}
	w.metrics.CheckpointSaves.WithLabelValues(w.cfg.Feed).Inc()
	w.update(func(s *FeedStatus) { s.Checkpoint = event.Marker.String() })
}

func typeNames(types []models.EntityType) []string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return names
}
