package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/changewatch/internal/metrics"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/sinks"
)

// recorder is a handler that fails the first failures calls
type recorder struct {
	name     string
	failures int
	panics   bool

	mu     sync.Mutex
	calls  int
	events []models.ChangeEvent
}

func (r *recorder) Handle(ctx context.Context, event models.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		if r.panics {
			panic("boom")
		}
		return errors.New("downstream unavailable")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Name() string { return r.name }
func (r *recorder) Close() error { return nil }

func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func fastPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testEvent(t *testing.T, entityType models.EntityType) models.ChangeEvent {
	t.Helper()
	event, err := models.NewChangeEvent("primero", models.SeqMarker(1), entityType, "id-1", models.Updated, map[string]any{"k": "v"})
	require.NoError(t, err)
	return event
}

func TestNew_RejectsUnregisteredType(t *testing.T) {
	h := &recorder{name: "search"}
	_, err := New(
		[]models.EntityType{"Case", "Agency"},
		[]Registration{{EntityType: "Case", Handler: h}},
		Options{Logger: zerolog.Nop()},
	)
	assert.ErrorIs(t, err, ErrUnregisteredEntityType)
}

func TestNew_RejectsUnwatchedType(t *testing.T) {
	h := &recorder{name: "search"}
	_, err := New(
		[]models.EntityType{"Case"},
		[]Registration{{EntityType: "Case", Handler: h}, {EntityType: "User", Handler: h}},
		Options{Logger: zerolog.Nop()},
	)
	assert.ErrorIs(t, err, ErrUnwatchedEntityType)
}

func TestNew_RejectsNilHandler(t *testing.T) {
	_, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case"}}, Options{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestDispatch_RoutesByEntityTypeInRegistrationOrder(t *testing.T) {
	var order []string
	mk := func(name string) sinks.Handler {
		return sinks.HandlerFunc{HandlerName: name, Fn: func(ctx context.Context, event models.ChangeEvent) error {
			order = append(order, name)
			return nil
		}}
	}
	agency := &recorder{name: "agency"}

	d, err := New(
		[]models.EntityType{"Case", "Agency"},
		[]Registration{
			{EntityType: "Case", Handler: mk("first")},
			{EntityType: "Agency", Handler: agency},
			{EntityType: "Case", Handler: mk("second")},
		},
		Options{Feed: "primero", Retry: fastPolicy(3), Logger: zerolog.Nop()},
	)
	require.NoError(t, err)
	assert.Len(t, d.Handlers("Case"), 2)

	outcome := d.Dispatch(context.Background(), testEvent(t, "Case"))
	assert.True(t, outcome.OK())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []string{"first", "second"}, outcome.Delivered)
	assert.Equal(t, 0, agency.Calls())
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	h := &recorder{name: "search", failures: 2}
	m := metrics.NewNop()
	d, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case", Handler: h}},
		Options{Feed: "primero", Retry: fastPolicy(5), Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)

	outcome := d.Dispatch(context.Background(), testEvent(t, "Case"))
	assert.True(t, outcome.OK())
	assert.Equal(t, 3, h.Calls())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("primero", "search")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PermanentFailures.WithLabelValues("primero", "search")))
}

func TestDispatch_PermanentFailureDoesNotStopOtherHandlers(t *testing.T) {
	broken := &recorder{name: "broken", failures: 100}
	healthy := &recorder{name: "healthy"}
	m := metrics.NewNop()
	d, err := New([]models.EntityType{"Case"},
		[]Registration{{EntityType: "Case", Handler: broken}, {EntityType: "Case", Handler: healthy}},
		Options{Feed: "primero", Retry: fastPolicy(3), Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)

	outcome := d.Dispatch(context.Background(), testEvent(t, "Case"))
	assert.False(t, outcome.OK())
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, "broken", outcome.Failed[0].Handler)
	assert.Equal(t, uint(3), outcome.Failed[0].Attempts)
	assert.Equal(t, []string{"healthy"}, outcome.Delivered)
	assert.Equal(t, 3, broken.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermanentFailures.WithLabelValues("primero", "broken")))
}

func TestDispatch_UnrecoverableErrorsAreNotRetried(t *testing.T) {
	calls := 0
	h := sinks.HandlerFunc{HandlerName: "strict", Fn: func(ctx context.Context, event models.ChangeEvent) error {
		calls++
		return retry.Unrecoverable(errors.New("mapping conflict"))
	}}
	d, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case", Handler: h}},
		Options{Feed: "primero", Retry: fastPolicy(5), Logger: zerolog.Nop()})
	require.NoError(t, err)

	outcome := d.Dispatch(context.Background(), testEvent(t, "Case"))
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, 1, calls)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	h := &recorder{name: "flaky", failures: 1, panics: true}
	d, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case", Handler: h}},
		Options{Feed: "primero", Retry: fastPolicy(3), Logger: zerolog.Nop()})
	require.NoError(t, err)

	var outcome Outcome
	require.NotPanics(t, func() {
		outcome = d.Dispatch(context.Background(), testEvent(t, "Case"))
	})
	assert.True(t, outcome.OK())
	assert.Equal(t, 2, h.Calls())
}

func TestDispatch_PanicOnEveryAttemptIsAFailure(t *testing.T) {
	h := &recorder{name: "broken", failures: 100, panics: true}
	d, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case", Handler: h}},
		Options{Feed: "primero", Retry: fastPolicy(2), Logger: zerolog.Nop()})
	require.NoError(t, err)

	outcome := d.Dispatch(context.Background(), testEvent(t, "Case"))
	require.Len(t, outcome.Failed, 1)
	assert.ErrorIs(t, outcome.Failed[0].Err, ErrHandlerPanic)
}

func TestDispatch_UnroutedEvent(t *testing.T) {
	h := &recorder{name: "search"}
	d, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case", Handler: h}},
		Options{Feed: "primero", Logger: zerolog.Nop()})
	require.NoError(t, err)

	outcome := d.Dispatch(context.Background(), testEvent(t, "Lookup"))
	assert.True(t, outcome.Unrouted)
	assert.False(t, outcome.OK())
	assert.Equal(t, 0, h.Calls())
}

func TestNew_ZeroAttemptsUsesDefault(t *testing.T) {
	h := &recorder{name: "search"}
	d, err := New([]models.EntityType{"Case"}, []Registration{{EntityType: "Case", Handler: h}},
		Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryPolicy().Attempts, d.retry.Attempts)
}
