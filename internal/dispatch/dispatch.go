// Package dispatch delivers change events to the handlers registered for
// their entity type.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/metrics"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/sinks"
)

var (
	// ErrUnregisteredEntityType is returned by New when a watched entity type
	// has no handler.
	ErrUnregisteredEntityType = errors.New("watched entity type has no handler")

	// ErrUnwatchedEntityType is returned by New when a handler is registered
	// for a type the feed does not watch.
	ErrUnwatchedEntityType = errors.New("handler registered for an unwatched entity type")

	// ErrHandlerPanic wraps the value a handler panicked with
	ErrHandlerPanic = errors.New("handler panicked")
)

// Registration binds a handler to one entity type
type Registration struct {
	EntityType models.EntityType
	Handler    sinks.Handler
}

// RetryPolicy bounds the attempts made for one handler and one event
type RetryPolicy struct {
	Attempts     uint          `koanf:"attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// DefaultRetryPolicy makes 5 attempts, waiting from 200ms up to 10s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// Options configures a Dispatcher. A nil Metrics counts into a throwaway
// registry.
type Options struct {
	Feed    string
	Retry   RetryPolicy
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// HandlerFailure is a delivery that exhausted its retries
type HandlerFailure struct {
	Handler  string
	Attempts uint
	Err      error
}

// Outcome reports how the delivery of one event concluded. Failures never
// hold the checkpoint back, they are reported so they can be logged and
// counted.
type Outcome struct {
	Delivered []string
	Failed    []HandlerFailure
	Unrouted  bool // no handler is registered for the event's type
}

// OK reports whether every handler took the event
func (o Outcome) OK() bool { return len(o.Failed) == 0 && !o.Unrouted }

// Dispatcher routes events through a dispatch table that is built and
// validated once, it is never modified afterwards.
type Dispatcher struct {
	feed    string
	table   map[models.EntityType][]sinks.Handler
	retry   RetryPolicy
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New builds the dispatch table. Every watched type needs at least one handler
// and every registration must be for a watched type.
func New(watched []models.EntityType, registrations []Registration, opts Options) (*Dispatcher, error) {
	set := models.NewEntityTypeSet(watched)
	table := make(map[models.EntityType][]sinks.Handler, len(set))

	for _, r := range registrations {
		if r.Handler == nil {
			return nil, fmt.Errorf("nil handler registered for %s", r.EntityType)
		}
		if !set.Contains(r.EntityType) {
			return nil, fmt.Errorf("%w: %s (handler %s)", ErrUnwatchedEntityType, r.EntityType, r.Handler.Name())
		}
		table[r.EntityType] = append(table[r.EntityType], r.Handler)
	}
	for _, t := range watched {
		if len(table[t]) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnregisteredEntityType, t)
		}
	}

	policy := opts.Retry
	if policy.Attempts == 0 {
		// zero means unlimited to retry-go, a handler must never stall a feed
		policy.Attempts = DefaultRetryPolicy().Attempts
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	return &Dispatcher{
		feed:    opts.Feed,
		table:   table,
		retry:   policy,
		logger:  opts.Logger,
		metrics: m,
	}, nil
}

// Handlers returns the handlers of entityType in registration order
func (d *Dispatcher) Handlers(entityType models.EntityType) []sinks.Handler {
	return d.table[entityType]
}

// Dispatch delivers event to each of its handlers in registration order. A
// failing handler does not stop the ones after it.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.ChangeEvent) Outcome {
	start := time.Now()
	defer func() {
		d.metrics.DispatchDuration.WithLabelValues(d.feed).Observe(time.Since(start).Seconds())
	}()

	logger := d.logger.With().
		Str("entity_type", string(event.EntityType)).
		Str("entity_id", event.EntityID).
		Str("event_id", event.ID.String()).
		Str("marker", event.Marker.String()).
		Logger()

	handlers, ok := d.table[event.EntityType]
	if !ok {
		logger.Warn().Msg("No handler registered for entity type, skipping event")
		return Outcome{Unrouted: true}
	}

	var outcome Outcome
	for _, h := range handlers {
		attempts, err := d.deliver(ctx, h, event, logger)
		if err != nil {
			d.metrics.PermanentFailures.WithLabelValues(d.feed, h.Name()).Inc()
			logger.Error().Err(err).
				Str("handler", h.Name()).
				Uint("attempts", attempts).
				Msg("Permanent delivery failure, moving on")
			outcome.Failed = append(outcome.Failed, HandlerFailure{Handler: h.Name(), Attempts: attempts, Err: err})
			continue
		}
		outcome.Delivered = append(outcome.Delivered, h.Name())
	}

	d.metrics.EventsDispatched.WithLabelValues(d.feed, string(event.EntityType)).Inc()
	return outcome
}

// deliver runs one handler with the retry policy and returns the attempts made
func (d *Dispatcher) deliver(ctx context.Context, h sinks.Handler, event models.ChangeEvent, logger zerolog.Logger) (uint, error) {
	var attempts uint
	err := retry.Do(
		func() error {
			attempts++
			err := invoke(ctx, h, event)
			if err != nil {
				d.metrics.HandlerFailures.WithLabelValues(d.feed, h.Name()).Inc()
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(d.retry.Attempts),
		retry.Delay(d.retry.InitialDelay),
		retry.MaxDelay(d.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Str("handler", h.Name()).Uint("attempt", n+1).Msg("Handler failed, retrying")
		}),
	)
	return attempts, err
}

// invoke calls the handler, turning a panic into an error
func invoke(ctx context.Context, h sinks.Handler, event models.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, h.Name(), r)
		}
	}()
	return h.Handle(ctx, event)
}
