package sources

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Server error codes that make a change stream unusable at the requested
// resume token.
const (
	codeInvalidResumeToken      = 260
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
	codeUnauthorized            = 13
	codeAuthenticationFailed    = 18
)

const defaultMongoConnectTimeout = 10 * time.Second

var errSkipChange = errors.New("change is not a record mutation")

// MongoSource watches the change stream of a database. The entity type of a
// change is the name of the collection it happened in and the marker is the
// resume token of the change.
type MongoSource struct {
	name       string
	database   string
	collection string // optional, restricts the stream to one collection
	client     *mongo.Client
	logger     zerolog.Logger
}

func NewMongoSource(config SourceConfig, logger zerolog.Logger) (Client, error) {
	uri := config.Config["uri"]
	database := config.Config["database"]
	if uri == "" || database == "" {
		return nil, fmt.Errorf("mongodb feed %s: uri and database are required", config.Name)
	}

	timeout := defaultMongoConnectTimeout
	if v := config.Config["connect_timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("mongodb feed %s: invalid connect_timeout: %w", config.Name, err)
		}
		timeout = d
	}

	logger.Trace().Msg("Connecting to mongodb...")
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri).SetConnectTimeout(timeout))
	if err != nil {
		logger.Err(err).Msg("Error when connecting to mongodb database!")
		return nil, classifyMongoError(err)
	}

	return &MongoSource{
		name:       config.Name,
		database:   database,
		collection: config.Config["collection"],
		client:     client,
		logger:     logger,
	}, nil
}

func (m *MongoSource) Name() string { return m.name }

// ParseMarker accepts the _data field of a resume token. The server writes it
// as upper case hex, which is also the case that sorts in stream order.
func (m *MongoSource) ParseMarker(s string) (models.Marker, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Beginning, nil
	}
	if _, err := hex.DecodeString(s); err != nil {
		return models.Beginning, fmt.Errorf("%w: %q is not a resume token: %v", ErrMalformedMarker, s, err)
	}
	return models.Marker(strings.ToUpper(s)), nil
}

func (m *MongoSource) Subscribe(ctx context.Context, start models.Marker, types []models.EntityType) (Subscription, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if !start.IsBeginning() {
		// beginning opens the stream at the current time, change streams
		// cannot replay history that was never checkpointed
		opts.SetStartAfter(bson.D{{Key: "_data", Value: string(start)}})
	}

	db := m.client.Database(m.database)
	var (
		cs  *mongo.ChangeStream
		err error
	)
	if m.collection != "" {
		cs, err = db.Collection(m.collection).Watch(ctx, watchPipeline(types), opts)
	} else {
		cs, err = db.Watch(ctx, watchPipeline(types), opts)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Err(err).Str("start", start.String()).Msg("Error when opening the change stream")
		return nil, classifyMongoError(err)
	}

	m.logger.Debug().Str("start", start.String()).Msg("Opened the change stream")
	return &mongoSubscription{feed: m.name, stream: driverStream{cs}, logger: m.logger}, nil
}

func (m *MongoSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultMongoConnectTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// watchPipeline only lets record mutations of the watched collections
// through, invalidate is kept so the subscription can end the session.
func watchPipeline(types []models.EntityType) mongo.Pipeline {
	ops := bson.A{"insert", "update", "replace", "delete", "invalidate"}
	match := bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: ops}}}}
	if len(types) > 0 {
		colls := make(bson.A, 0, len(types))
		for _, t := range types {
			colls = append(colls, string(t))
		}
		match = append(match, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "operationType", Value: "invalidate"}},
			bson.D{{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: colls}}}},
		}})
	}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

// changeStream is the part of *mongo.ChangeStream a subscription reads
type changeStream interface {
	Next(ctx context.Context) bool
	Err() error
	ResumeToken() bson.Raw
	Document() bson.Raw
	Close(ctx context.Context) error
}

type driverStream struct {
	*mongo.ChangeStream
}

func (d driverStream) Document() bson.Raw { return d.Current }

type mongoSubscription struct {
	feed   string
	stream changeStream
	logger zerolog.Logger
}

func (s *mongoSubscription) Next(ctx context.Context) (models.ChangeEvent, error) {
	for {
		if !s.stream.Next(ctx) {
			if err := ctx.Err(); err != nil {
				return models.ChangeEvent{}, err
			}
			if err := s.stream.Err(); err != nil {
				return models.ChangeEvent{}, classifyMongoError(err)
			}
			return models.ChangeEvent{}, fmt.Errorf("%w: change stream closed by the server", ErrFeedDisconnected)
		}

		token, doc := s.stream.ResumeToken(), s.stream.Document()
		event, err := decodeMongoChange(s.feed, token, doc)
		switch {
		case err == nil:
			return event, nil
		case errors.Is(err, errSkipChange):
			continue
		case errors.Is(err, ErrFeedDisconnected):
			return models.ChangeEvent{}, err
		}
		// a change that cannot be decoded never will be, resubscribing would
		// hit it again. It is logged and the stream moves past it.
		s.logger.Error().Err(err).
			Str("marker", tokenData(token)).
			Str("ns", changeNamespace(doc)).
			Msg("Skipping undecodable change")
	}
}

// tokenData returns the _data of a resume token, or "" when it has none
func tokenData(token bson.Raw) string {
	v, err := token.LookupErr("_data")
	if err != nil {
		return ""
	}
	data, _ := v.StringValueOK()
	return data
}

// changeNamespace returns db.coll of a change document, as far as readable
func changeNamespace(doc bson.Raw) string {
	var parts []string
	for _, key := range []string{"db", "coll"} {
		if v, err := doc.LookupErr("ns", key); err == nil {
			if str, ok := v.StringValueOK(); ok {
				parts = append(parts, str)
			}
		}
	}
	return strings.Join(parts, ".")
}

func (s *mongoSubscription) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultMongoConnectTimeout)
	defer cancel()
	return s.stream.Close(ctx)
}

type mongoChange struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey  bson.Raw `bson:"documentKey"`
	FullDocument bson.Raw `bson:"fullDocument"`
}

// decodeMongoChange turns a change document into an event. The marker is the
// _data field of the resume token, which the server encodes so that it sorts
// in stream order.
func decodeMongoChange(feed string, token bson.Raw, doc bson.Raw) (models.ChangeEvent, error) {
	var change mongoChange
	if err := bson.Unmarshal(doc, &change); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("error when decoding the change document: %w", err)
	}

	var kind models.ChangeKind
	switch change.OperationType {
	case "insert":
		kind = models.Created
	case "update", "replace":
		kind = models.Updated
	case "delete":
		kind = models.Deleted
	case "invalidate":
		return models.ChangeEvent{}, fmt.Errorf("%w: change stream invalidated", ErrFeedDisconnected)
	default:
		return models.ChangeEvent{}, errSkipChange
	}

	raw, err := token.LookupErr("_data")
	if err != nil {
		return models.ChangeEvent{}, fmt.Errorf("change document has no resume token: %w", err)
	}
	data, ok := raw.StringValueOK()
	if !ok || data == "" {
		return models.ChangeEvent{}, fmt.Errorf("change document has no resume token")
	}

	id, err := documentID(change.DocumentKey)
	if err != nil {
		return models.ChangeEvent{}, err
	}

	var payload map[string]any
	if len(change.FullDocument) > 0 && kind != models.Deleted {
		payload, err = documentPayload(change.FullDocument)
		if err != nil {
			return models.ChangeEvent{}, err
		}
	}

	return models.NewChangeEvent(feed, models.Marker(data), models.EntityType(change.NS.Coll), id, kind, payload)
}

func documentID(key bson.Raw) (string, error) {
	v, err := key.LookupErr("_id")
	if err != nil {
		return "", fmt.Errorf("change document has no _id: %w", err)
	}
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex(), nil
	}
	if s, ok := v.StringValueOK(); ok {
		return s, nil
	}
	var out any
	if err := v.Unmarshal(&out); err != nil {
		return "", fmt.Errorf("error when decoding _id: %w", err)
	}
	return fmt.Sprint(out), nil
}

// documentPayload converts the document through relaxed extended JSON so that
// handlers see plain JSON values.
func documentPayload(doc bson.Raw) (map[string]any, error) {
	ext, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("error when converting the document to json: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(ext, &payload); err != nil {
		return nil, fmt.Errorf("error when decoding the document json: %w", err)
	}
	return payload, nil
}

// classifyMongoError maps driver errors onto the feed error kinds.
func classifyMongoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeInvalidResumeToken),
			se.HasErrorCode(codeChangeStreamFatalError),
			se.HasErrorCode(codeChangeStreamHistoryLost):
			return fmt.Errorf("%w: %v", ErrInvalidStartMarker, err)
		case se.HasErrorCode(codeUnauthorized), se.HasErrorCode(codeAuthenticationFailed):
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrFeedDisconnected, err)
}
