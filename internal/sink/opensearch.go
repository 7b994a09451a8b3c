package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

const securityEventMapping = `{
	"settings": {
		"number_of_shards": 1,
		"number_of_replicas": 0
	},
	"mappings": {
		"properties": {
			"id": {"type": "keyword"},
			"type": {"type": "keyword"},
			"severity": {"type": "keyword"},
			"source": {"type": "keyword"},
			"entity_id": {"type": "keyword"},
			"user_agent": {"type": "text"},
			"path": {"type": "keyword"},
			"message": {"type": "text"},
			"timestamp": {"type": "date"},
			"details": {"type": "flattened"}
		}
	}
}`

// OpenSearchIndexer bulk-indexes security events
type OpenSearchIndexer struct {
	client *opensearch.Client
	index  string
	batch  *batcher
	logger *slog.Logger
}

// NewOpenSearchIndexer creates the client, makes sure the index exists and
// starts the background writer
func NewOpenSearchIndexer(ctx context.Context, address, index string, opts BatchOptions, logger *slog.Logger) (*OpenSearchIndexer, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:     []string{address},
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * time.Second
		},
		MaxRetries: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	ix := &OpenSearchIndexer{client: client, index: index, logger: logger}
	if err := ix.ensureIndex(ctx); err != nil {
		return nil, err
	}
	ix.batch = newBatcher("opensearch", opts, ix.writeBatch, logger)
	ix.batch.start()
	return ix, nil
}

func (ix *OpenSearchIndexer) Name() string { return "opensearch" }

func (ix *OpenSearchIndexer) PersistSecurityEvent(_ context.Context, ev model.SecurityEvent) error {
	return ix.batch.enqueue(ev)
}

func (ix *OpenSearchIndexer) ensureIndex(ctx context.Context) error {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{ix.index}}.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("failed to check if index exists: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("error checking index existence: %s, body: %s", res.Status(), string(body))
	}

	ix.logger.Info("Index not found, creating it", "index", ix.index)
	created, err := opensearchapi.IndicesCreateRequest{
		Index: ix.index,
		Body:  strings.NewReader(securityEventMapping),
	}.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer created.Body.Close()
	if created.IsError() {
		body, _ := io.ReadAll(created.Body)
		return fmt.Errorf("error creating index: %s, body: %s", created.Status(), string(body))
	}
	return nil
}

// bulkBody renders the NDJSON body of a bulk index request
func bulkBody(index string, batch []model.SecurityEvent) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	for _, ev := range batch {
		meta, err := json.Marshal(map[string]interface{}{
			"index": map[string]string{"_index": index, "_id": ev.ID},
		})
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
		}
		buf.Grow(len(meta) + len(data) + 2)
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return &buf, nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// firstBulkError returns the first per-document failure of a bulk response
func firstBulkError(r io.Reader) error {
	var resp bulkResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !resp.Errors {
		return nil
	}
	for _, item := range resp.Items {
		for _, result := range item {
			if result.Status >= 300 {
				return fmt.Errorf("document %s: %s: %s", result.ID, result.Error.Type, result.Error.Reason)
			}
		}
	}
	return nil
}

func (ix *OpenSearchIndexer) writeBatch(ctx context.Context, batch []model.SecurityEvent) error {
	body, err := bulkBody(ix.index, batch)
	if err != nil {
		return err
	}

	res, err := opensearchapi.BulkRequest{Body: body}.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("failed to perform bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk indexing error: %s, body: %s", res.Status(), string(data))
	}
	return firstBulkError(res.Body)
}

// Stats returns writer counters
func (ix *OpenSearchIndexer) Stats() BatchStats {
	return ix.batch.stats()
}

// Close flushes queued events
func (ix *OpenSearchIndexer) Close() error {
	ix.batch.stop()
	return nil
}
