package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/changewatch/internal/models"
)

func nextWithin(t *testing.T, sub Subscription, d time.Duration) (models.ChangeEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Next(ctx)
}

func TestMemoryFeed_YieldsEventsInOrder(t *testing.T) {
	feed := NewMemoryFeed("primero")
	feed.Append("Case", "c1", models.Created, map[string]any{"name": "a"})
	feed.Append("Case", "c1", models.Updated, map[string]any{"name": "b"})
	feed.Append("Case", "c1", models.Deleted, map[string]any{"name": "b"})

	sub, err := feed.Subscribe(context.Background(), models.Beginning, []models.EntityType{"Case"})
	require.NoError(t, err)
	defer sub.Close()

	for i, kind := range []models.ChangeKind{models.Created, models.Updated, models.Deleted} {
		event, err := nextWithin(t, sub, time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.SeqMarker(uint64(i+1)), event.Marker)
		assert.Equal(t, kind, event.Kind)
		assert.Equal(t, "primero", event.Feed)
	}

	_, err = nextWithin(t, sub, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryFeed_SubscribeAfterMarker(t *testing.T) {
	feed := NewMemoryFeed("primero")
	for i := 0; i < 4; i++ {
		feed.Append("Case", "c1", models.Updated, nil)
	}

	sub, err := feed.Subscribe(context.Background(), models.SeqMarker(2), nil)
	require.NoError(t, err)

	event, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.SeqMarker(3), event.Marker)
}

func TestMemoryFeed_FiltersEntityTypes(t *testing.T) {
	feed := NewMemoryFeed("primero")
	feed.Append("Agency", "a1", models.Created, nil)
	feed.Append("Case", "c1", models.Created, nil)

	sub, err := feed.Subscribe(context.Background(), models.Beginning, []models.EntityType{"Case"})
	require.NoError(t, err)

	event, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.EntityType("Case"), event.EntityType)
	assert.Equal(t, models.SeqMarker(2), event.Marker)
}

func TestMemoryFeed_NextWakesOnAppend(t *testing.T) {
	feed := NewMemoryFeed("primero")
	sub, err := feed.Subscribe(context.Background(), models.Beginning, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		feed.Append("Case", "c1", models.Created, nil)
	}()

	event, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.SeqMarker(1), event.Marker)
}

func TestMemoryFeed_ErrorFiresOnce(t *testing.T) {
	feed := NewMemoryFeed("primero")
	feed.Append("Case", "c1", models.Created, nil)
	feed.AppendError(ErrFeedDisconnected)
	feed.Append("Case", "c2", models.Created, nil)

	sub, err := feed.Subscribe(context.Background(), models.Beginning, nil)
	require.NoError(t, err)

	_, err = nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	_, err = nextWithin(t, sub, time.Second)
	assert.ErrorIs(t, err, ErrFeedDisconnected)
	_, err = nextWithin(t, sub, time.Second)
	assert.ErrorIs(t, err, ErrFeedDisconnected, "a failed session stays failed")

	again, err := feed.Subscribe(context.Background(), models.SeqMarker(1), nil)
	require.NoError(t, err)
	event, err := nextWithin(t, again, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.SeqMarker(2), event.Marker)
	assert.Equal(t, 2, feed.Subscriptions())
}

func TestMemoryFeed_CompactInvalidatesOldMarkers(t *testing.T) {
	feed := NewMemoryFeed("primero")
	for i := 0; i < 5; i++ {
		feed.Append("Case", "c1", models.Updated, nil)
	}
	feed.Compact(models.SeqMarker(3))

	_, err := feed.Subscribe(context.Background(), models.SeqMarker(2), nil)
	assert.ErrorIs(t, err, ErrInvalidStartMarker)
	_, err = feed.Subscribe(context.Background(), models.Beginning, nil)
	assert.ErrorIs(t, err, ErrInvalidStartMarker)

	sub, err := feed.Subscribe(context.Background(), models.SeqMarker(3), nil)
	require.NoError(t, err)
	event, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.SeqMarker(4), event.Marker)
}

func TestMemoryFeed_RejectsForeignMarkers(t *testing.T) {
	feed := NewMemoryFeed("primero")
	_, err := feed.Subscribe(context.Background(), models.Marker("not-a-sequence"), nil)
	assert.ErrorIs(t, err, ErrInvalidStartMarker)
}

func TestMemoryFeed_FailNextSubscribe(t *testing.T) {
	feed := NewMemoryFeed("primero")
	feed.FailNextSubscribe(ErrFeedDisconnected, ErrAuthentication)

	_, err := feed.Subscribe(context.Background(), models.Beginning, nil)
	assert.ErrorIs(t, err, ErrFeedDisconnected)
	_, err = feed.Subscribe(context.Background(), models.Beginning, nil)
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = feed.Subscribe(context.Background(), models.Beginning, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, feed.Subscriptions())
}

func TestMemoryFeed_CloseUnblocksNext(t *testing.T) {
	feed := NewMemoryFeed("primero")
	sub, err := feed.Subscribe(context.Background(), models.Beginning, nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sub.Close())
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrSubscriptionClosed))
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidStartMarker))
	assert.True(t, IsFatal(ErrAuthentication))
	assert.False(t, IsFatal(ErrFeedDisconnected))
	assert.False(t, IsFatal(errors.New("boom")))
}
