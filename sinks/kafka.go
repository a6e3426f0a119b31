package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink republishes change events as JSON keyed by entity id, so every
// change of one entity lands on the same partition in feed order.
type KafkaSink struct {
	name   string
	topic  string
	client *kgo.Client
	logger zerolog.Logger
}

func NewKafkaSink(config SinkConfig, logger zerolog.Logger) (Handler, error) {
	if config.Config["bootstrap_servers"] == "" || config.Config["topic"] == "" {
		logger.Error().Msg("Error missing config values")
		return nil, fmt.Errorf("kafka handler %s: bootstrap_servers and topic are required", config.Name)
	}
	logger.Debug().Str("bootstrap_servers", config.Config["bootstrap_servers"]).Str("topic", config.Config["topic"]).Send()

	logger.Trace().Msg("Connecting to kafka cluster as a sink...")
	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(config.Config["bootstrap_servers"], ",")...),
		kgo.DefaultProduceTopic(config.Config["topic"]),
	}
	if config.Config["auto_create_topic"] == "true" {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		logger.Err(err).Msg("Error when creating a kafka producer!")
		return nil, err
	}

	return &KafkaSink{
		name:   config.Name,
		topic:  config.Config["topic"],
		client: client,
		logger: logger,
	}, nil
}

func (k *KafkaSink) Name() string { return k.name }

func (k *KafkaSink) Handle(ctx context.Context, event models.ChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("error when encoding the event: %w", err))
	}
	record := &kgo.Record{
		Key:   []byte(event.EntityID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "entity_type", Value: []byte(event.EntityType)},
		},
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		k.logger.Err(err).Str("entity_id", event.EntityID).Msg("record had a produce error")
		return err
	}
	k.logger.Trace().Str("topic", k.topic).Str("entity_id", event.EntityID).Msg("Successfully produced message")
	return nil
}

func (k *KafkaSink) Close() error {
	k.logger.Info().Msg("Disconnecting kafka sink")
	k.client.Close()
	return nil
}
