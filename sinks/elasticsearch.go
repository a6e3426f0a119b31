package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
)

// ElasticSink keeps one search index per entity type in sync with the feed.
// Creates and updates index the full document under the entity id, deletes
// remove it, so replaying an event converges to the same index state.
type ElasticSink struct {
	name        string
	indexPrefix string
	refresh     string
	client      *elasticsearch.Client
	logger      zerolog.Logger
}

func NewElasticSink(config SinkConfig, logger zerolog.Logger) (Handler, error) {
	esCfg := elasticsearch.Config{
		CloudID:  config.Config["cloud_id"],
		APIKey:   config.Config["api_key"],
		Username: config.Config["username"],
		Password: config.Config["password"],

		// the dispatcher owns the retry policy
		DisableRetry: true,
	}
	if urls := config.Config["url"]; urls != "" {
		esCfg.Addresses = strings.Split(urls, ",")
	}
	if esCfg.CloudID == "" && len(esCfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch handler %s: url or cloud_id is required", config.Name)
	}

	logger.Trace().Msg("Connecting to elasticsearch...")
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("error when creating the elasticsearch client: %w", err)
	}

	return &ElasticSink{
		name:        config.Name,
		indexPrefix: config.Config["index_prefix"],
		refresh:     config.Config["refresh"],
		client:      client,
		logger:      logger,
	}, nil
}

func (e *ElasticSink) Name() string { return e.name }

// IndexName returns the index documents of entityType are stored in
func (e *ElasticSink) IndexName(entityType models.EntityType) string {
	return e.indexPrefix + strings.ToLower(string(entityType))
}

func (e *ElasticSink) Handle(ctx context.Context, event models.ChangeEvent) error {
	index := e.IndexName(event.EntityType)

	var (
		res *esapi.Response
		err error
	)
	switch event.Kind {
	case models.Created, models.Updated:
		body, merr := json.Marshal(documentBody(event.Payload))
		if merr != nil {
			return retry.Unrecoverable(fmt.Errorf("error when encoding the document: %w", merr))
		}
		req := esapi.IndexRequest{
			Index:      index,
			DocumentID: event.EntityID,
			Body:       bytes.NewReader(body),
			Refresh:    e.refresh,
		}
		res, err = req.Do(ctx, e.client)
	case models.Deleted:
		req := esapi.DeleteRequest{
			Index:      index,
			DocumentID: event.EntityID,
			Refresh:    e.refresh,
		}
		res, err = req.Do(ctx, e.client)
	default:
		return retry.Unrecoverable(fmt.Errorf("unsupported change kind %q", event.Kind))
	}
	if err != nil {
		return fmt.Errorf("error getting response: %w", err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		e.logger.Trace().Str("index", index).Str("entity_id", event.EntityID).Str("status", res.Status()).Msg("Indexed change")
		return nil
	}
	if event.Kind == models.Deleted && res.StatusCode == http.StatusNotFound {
		// already gone, which is what a delete wants
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	rerr := fmt.Errorf("[%s] error indexing document index=%s id=%s: %s", res.Status(), index, event.EntityID, bytes.TrimSpace(msg))
	if permanentStatus(res.StatusCode) {
		return retry.Unrecoverable(rerr)
	}
	return rerr
}

// metadataFields are rejected by the index API when sent inside a document.
// Mongo documents always carry _id, which is already the document id.
var metadataFields = map[string]bool{
	"_id": true, "_index": true, "_routing": true, "_source": true,
	"_version": true, "_seq_no": true, "_primary_term": true,
}

func documentBody(payload map[string]any) map[string]any {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if !metadataFields[k] {
			body[k] = v
		}
	}
	return body
}

// permanentStatus reports whether retrying a request that got code is
// pointless. Client errors are, except timeouts and throttling.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func (e *ElasticSink) Close() error {
	e.logger.Info().Msg("Closing Elasticsearch connection")
	return nil
}
