package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// KafkaSource reads change envelopes from a single topic partition. The
// marker of an event is its offset, so a partition is totally ordered and
// resuming at a checkpoint is a seek to the next offset.
type KafkaSource struct {
	name             string
	bootstrapServers []string
	topic            string
	partition        int32
	saslUser         string
	saslPassword     string
	logger           zerolog.Logger
}

// kafkaEnvelope is the record value the feed carries
type kafkaEnvelope struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload"`
}

func NewKafkaSource(config SourceConfig, logger zerolog.Logger) (Client, error) {
	if config.Config["bootstrap_servers"] == "" || config.Config["topic"] == "" {
		logger.Error().Msg("Error missing config values")
		return nil, fmt.Errorf("kafka feed %s: bootstrap_servers and topic are required", config.Name)
	}

	var partition int32
	if v := config.Config["partition"]; v != "" {
		p, err := strconv.ParseInt(v, 10, 32)
		if err != nil || p < 0 {
			return nil, fmt.Errorf("kafka feed %s: invalid partition %q", config.Name, v)
		}
		partition = int32(p)
	}

	logger.Debug().
		Str("bootstrap_servers", config.Config["bootstrap_servers"]).
		Str("topic", config.Config["topic"]).
		Int32("partition", partition).
		Send()

	return &KafkaSource{
		name:             config.Name,
		bootstrapServers: strings.Split(config.Config["bootstrap_servers"], ","),
		topic:            config.Config["topic"],
		partition:        partition,
		saslUser:         config.Config["sasl_user"],
		saslPassword:     config.Config["sasl_password"],
		logger:           logger,
	}, nil
}

func (k *KafkaSource) Name() string { return k.name }

// Subscribe creates a consumer positioned right after start. Out of range
// offsets are not reset, the fetch error surfaces as ErrInvalidStartMarker.
func (k *KafkaSource) Subscribe(ctx context.Context, start models.Marker, types []models.EntityType) (Subscription, error) {
	offset, err := kafkaOffset(start)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(k.bootstrapServers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			k.topic: {k.partition: offset},
		}),
		kgo.ConsumeResetOffset(kgo.NoResetOffset()),
	}
	if k.saslUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: k.saslUser, Pass: k.saslPassword}.AsMechanism()))
	}

	k.logger.Trace().Str("start", start.String()).Msg("Connecting to kafka cluster as a source...")
	client, err := kgo.NewClient(opts...)
	if err != nil {
		k.logger.Err(err).Msg("Error when creating a kafka consumer!")
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyKafkaError(err)
	}

	return &kafkaSubscription{
		feed:   k.name,
		client: client,
		filter: models.NewEntityTypeSet(types),
		logger: k.logger,
	}, nil
}

func (k *KafkaSource) Close() error { return nil }

// ParseMarker accepts an offset
func (k *KafkaSource) ParseMarker(s string) (models.Marker, error) { return parseSeqMarker(s) }

// kafkaOffset is the first offset to consume after start
func kafkaOffset(start models.Marker) (kgo.Offset, error) {
	if start.IsBeginning() {
		return kgo.NewOffset().AtStart(), nil
	}
	seq, err := start.Seq()
	if err != nil {
		return kgo.Offset{}, fmt.Errorf("%w: %v", ErrInvalidStartMarker, err)
	}
	return kgo.NewOffset().At(int64(seq) + 1), nil
}

type kafkaSubscription struct {
	feed    string
	client  *kgo.Client
	filter  models.EntityTypeSet
	pending []*kgo.Record
	logger  zerolog.Logger
}

func (s *kafkaSubscription) Next(ctx context.Context) (models.ChangeEvent, error) {
	for {
		for len(s.pending) > 0 {
			record := s.pending[0]
			s.pending = s.pending[1:]

			if t, ok := recordEntityType(record); ok && len(s.filter) > 0 && !s.filter.Contains(t) {
				continue
			}
			event, err := decodeKafkaRecord(s.feed, record)
			if err != nil {
				// a malformed envelope can never be delivered, it is logged
				// and the feed moves on
				s.logger.Err(err).Int64("offset", record.Offset).Msg("Error un-marshalling change envelope")
				continue
			}
			if len(s.filter) > 0 && !s.filter.Contains(event.EntityType) {
				continue
			}
			return event, nil
		}

		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return models.ChangeEvent{}, ErrSubscriptionClosed
		}
		if err := ctx.Err(); err != nil {
			return models.ChangeEvent{}, err
		}
		if err := fetchError(fetches); err != nil {
			return models.ChangeEvent{}, err
		}
		s.pending = append(s.pending, fetches.Records()...)
	}
}

func (s *kafkaSubscription) Close() error {
	s.client.Close()
	return nil
}

// fetchError returns the first fetch error of a poll, classified
func fetchError(fetches kgo.Fetches) error {
	var first error
	fetches.EachError(func(topic string, partition int32, err error) {
		if first == nil {
			first = fmt.Errorf("topic %s partition %d: %w", topic, partition, err)
		}
	})
	if first == nil {
		return nil
	}
	if errors.Is(first, context.Canceled) || errors.Is(first, context.DeadlineExceeded) {
		return first
	}
	return classifyKafkaError(first)
}

func classifyKafkaError(err error) error {
	switch {
	case errors.Is(err, kerr.OffsetOutOfRange):
		return fmt.Errorf("%w: %v", ErrInvalidStartMarker, err)
	case errors.Is(err, kerr.SaslAuthenticationFailed),
		errors.Is(err, kerr.TopicAuthorizationFailed),
		errors.Is(err, kerr.ClusterAuthorizationFailed):
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return fmt.Errorf("%w: %v", ErrFeedDisconnected, err)
}

// recordEntityType reads the optional entity_type header, which lets
// unwatched records be dropped without decoding their value.
func recordEntityType(record *kgo.Record) (models.EntityType, bool) {
	for _, h := range record.Headers {
		if h.Key == "entity_type" {
			return models.EntityType(h.Value), true
		}
	}
	return "", false
}

func decodeKafkaRecord(feed string, record *kgo.Record) (models.ChangeEvent, error) {
	var envelope kafkaEnvelope
	if err := json.Unmarshal(record.Value, &envelope); err != nil {
		return models.ChangeEvent{}, err
	}
	if envelope.EntityType == "" || envelope.EntityID == "" {
		return models.ChangeEvent{}, fmt.Errorf("envelope is missing entity_type or entity_id")
	}
	kind, err := models.ParseChangeKind(envelope.Kind)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	if record.Offset < 0 {
		return models.ChangeEvent{}, fmt.Errorf("record has a negative offset %d", record.Offset)
	}
	return models.NewChangeEvent(feed, models.SeqMarker(uint64(record.Offset)), models.EntityType(envelope.EntityType), envelope.EntityID, kind, envelope.Payload)
}
