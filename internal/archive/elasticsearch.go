package archive

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"realtime-gateway/internal/client"
	"realtime-gateway/internal/model"
)

// ESIndexer mirrors security events into an Elasticsearch index so the
// support tooling can search them long after ring-buffer eviction.
type ESIndexer struct {
	client *client.ESClient
	index  string
}

func NewESIndexer(c *client.ESClient, index string) *ESIndexer {
	return &ESIndexer{client: c, index: index}
}

func (i *ESIndexer) Name() string { return "elasticsearch" }

func (i *ESIndexer) Archive(ctx context.Context, events []model.SecurityEvent) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := map[string]any{
			"type":          string(e.Type),
			"identity":      e.Identity,
			"connection_id": e.ConnectionID,
			"timestamp":     e.Timestamp,
			"severity":      e.Severity.String(),
			"details":       e.Details,
		}
		res, err := i.client.IndexDocument(i.index, uuid.New().String(), doc)
		if err != nil {
			return fmt.Errorf("elasticsearch index failed: %w", err)
		}
		if res.IsError() {
			res.Body.Close()
			return fmt.Errorf("elasticsearch index error: %s", res.Status())
		}
		res.Body.Close()
	}
	return nil
}
