package sources

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestDecodeKafkaRecord(t *testing.T) {
	record := &kgo.Record{
		Offset: 41,
		Value:  []byte(`{"entity_type":"Case","entity_id":"c1","kind":"Updated","payload":{"status":"open"}}`),
	}

	event, err := decodeKafkaRecord("primero", record)
	require.NoError(t, err)
	assert.Equal(t, models.SeqMarker(41), event.Marker)
	assert.Equal(t, models.EntityType("Case"), event.EntityType)
	assert.Equal(t, "c1", event.EntityID)
	assert.Equal(t, models.Updated, event.Kind)
	assert.Equal(t, "open", event.Payload["status"])
}

func TestDecodeKafkaRecord_Invalid(t *testing.T) {
	for _, value := range []string{
		`not json`,
		`{"entity_id":"c1","kind":"created"}`,
		`{"entity_type":"Case","entity_id":"c1","kind":"renamed"}`,
	} {
		_, err := decodeKafkaRecord("primero", &kgo.Record{Value: []byte(value)})
		assert.Error(t, err, value)
	}
}

func TestKafkaMarkersFollowOffsetOrder(t *testing.T) {
	a, err := decodeKafkaRecord("primero", &kgo.Record{Offset: 9, Value: []byte(`{"entity_type":"Case","entity_id":"c1","kind":"created"}`)})
	require.NoError(t, err)
	b, err := decodeKafkaRecord("primero", &kgo.Record{Offset: 10, Value: []byte(`{"entity_type":"Case","entity_id":"c1","kind":"deleted"}`)})
	require.NoError(t, err)
	assert.True(t, b.Marker.After(a.Marker))
}

func TestKafkaOffset(t *testing.T) {
	_, err := kafkaOffset(models.Beginning)
	assert.NoError(t, err)

	_, err = kafkaOffset(models.SeqMarker(3))
	assert.NoError(t, err)

	_, err = kafkaOffset(models.Marker("8263A1"))
	assert.ErrorIs(t, err, ErrInvalidStartMarker)
}

func TestClassifyKafkaError(t *testing.T) {
	assert.ErrorIs(t, classifyKafkaError(fmt.Errorf("fetch: %w", kerr.OffsetOutOfRange)), ErrInvalidStartMarker)
	assert.ErrorIs(t, classifyKafkaError(kerr.SaslAuthenticationFailed), ErrAuthentication)
	assert.ErrorIs(t, classifyKafkaError(kerr.TopicAuthorizationFailed), ErrAuthentication)
	assert.ErrorIs(t, classifyKafkaError(kerr.NotLeaderForPartition), ErrFeedDisconnected)
}

func TestNewKafkaSource(t *testing.T) {
	_, err := NewKafkaSource(SourceConfig{Name: "primero", Config: map[string]string{"topic": "changes"}}, testLogger())
	assert.Error(t, err)

	_, err = NewKafkaSource(SourceConfig{Name: "primero", Config: map[string]string{
		"bootstrap_servers": "localhost:9092", "topic": "changes", "partition": "-1",
	}}, testLogger())
	assert.Error(t, err)

	c, err := NewKafkaSource(SourceConfig{Name: "primero", Config: map[string]string{
		"bootstrap_servers": "a:9092,b:9092", "topic": "changes", "partition": "2",
	}}, testLogger())
	require.NoError(t, err)
	src := c.(*KafkaSource)
	assert.Equal(t, []string{"a:9092", "b:9092"}, src.bootstrapServers)
	assert.Equal(t, int32(2), src.partition)
	assert.Equal(t, "primero", c.Name())
}

func TestCreateSource(t *testing.T) {
	assert.True(t, IsRegistered("mongodb"))
	assert.True(t, IsRegistered("kafka"))

	_, err := CreateSource(SourceConfig{Name: "primero", ConnectionType: "pulsar"}, testLogger())
	assert.ErrorIs(t, err, ErrUnknownSourceType)

	RegisterSource("memory", func(config SourceConfig, logger zerolog.Logger) (Client, error) {
		return NewMemoryFeed(config.Name), nil
	})
	c, err := CreateSource(SourceConfig{Name: "primero", ConnectionType: "memory"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "primero", c.Name())
}

func TestRecordEntityType(t *testing.T) {
	_, ok := recordEntityType(&kgo.Record{})
	assert.False(t, ok)

	et, ok := recordEntityType(&kgo.Record{Headers: []kgo.RecordHeader{{Key: "entity_type", Value: []byte("Case")}}})
	assert.True(t, ok)
	assert.Equal(t, models.EntityType("Case"), et)
}

func TestKafkaSubscription_SkipsMalformedRecords(t *testing.T) {
	sub := &kafkaSubscription{
		feed:   "primero",
		filter: models.NewEntityTypeSet([]models.EntityType{"Case"}),
		logger: testLogger(),
		pending: []*kgo.Record{
			{Offset: 3, Value: []byte(`not json`)},
			{Offset: 4, Value: []byte(`{"entity_type":"Case","kind":"created"}`)},
			{Offset: 5, Headers: []kgo.RecordHeader{{Key: "entity_type", Value: []byte("User")}}, Value: []byte(`{}`)},
			{Offset: 6, Value: []byte(`{"entity_type":"Case","entity_id":"c6","kind":"created"}`)},
		},
	}

	event, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c6", event.EntityID)
	assert.Equal(t, models.SeqMarker(6), event.Marker)
	assert.Empty(t, sub.pending)
}

func TestParseSeqMarker(t *testing.T) {
	var k KafkaSource

	tests := []struct {
		in   string
		want models.Marker
	}{
		{"", models.Beginning},
		{"3", models.SeqMarker(3)},
		{" 42 ", models.SeqMarker(42)},
		{"00000000000000000007", models.SeqMarker(7)},
	}
	for _, tt := range tests {
		got, err := k.ParseMarker(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	// an unpadded position must compare like the events the feed yields
	start, err := k.ParseMarker("3")
	require.NoError(t, err)
	assert.True(t, models.SeqMarker(4).After(start))

	for _, bad := range []string{"-1", "3a", "8263A1"} {
		_, err := k.ParseMarker(bad)
		assert.ErrorIs(t, err, ErrMalformedMarker, bad)
	}

	m, err := NewMemoryFeed("primero").ParseMarker("12")
	require.NoError(t, err)
	assert.Equal(t, models.SeqMarker(12), m)
}
