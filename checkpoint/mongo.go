package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoRecord struct {
	FeedID        string    `bson:"_id"`
	Marker        string    `bson:"sequence_marker"`
	LastUpdatedAt time.Time `bson:"last_updated_at"`
}

// MongoStore keeps one document per feed in a collection, replaced with an
// upsert on every save.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

func NewMongoStore(ctx context.Context, uri, database, collection string, logger zerolog.Logger) (*MongoStore, error) {
	if uri == "" || database == "" {
		return nil, fmt.Errorf("checkpoint: mongodb backend needs uri and database")
	}
	if collection == "" {
		collection = "checkpoints"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		logger.Err(err).Msg("Error when connecting to mongodb database!")
		return nil, err
	}
	logger.Debug().Str("database", database).Str("collection", collection).Msg("using mongodb checkpoints")
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
		logger: logger,
	}, nil
}

func (s *MongoStore) Load(ctx context.Context, feedID string) (Checkpoint, error) {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return Checkpoint{}, err
	}
	var rec mongoRecord
	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: feedID}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return beginning(feedID), nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint of %s: %w", feedID, err)
	}
	return Checkpoint{FeedID: feedID, Marker: models.Marker(rec.Marker), LastUpdatedAt: rec.LastUpdatedAt.UTC()}, nil
}

func (s *MongoStore) Save(ctx context.Context, feedID string, marker models.Marker) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	rec := mongoRecord{FeedID: feedID, Marker: string(marker), LastUpdatedAt: time.Now().UTC()}
	_, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: feedID}}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint of %s: %w", feedID, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, feedID string) error {
	feedID, err := validateFeedID(feedID)
	if err != nil {
		return err
	}
	_, err = s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: feedID}})
	return err
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
