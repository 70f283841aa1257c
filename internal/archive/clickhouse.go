// Package archive provides long-term storage sinks for the security
// event log: batched ClickHouse archival for analytics and per-event
// Elasticsearch indexing for search.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"realtime-gateway/internal/client"
	"realtime-gateway/internal/model"
)

const insertEventsQuery = `INSERT INTO security_events (event_type, identity, connection_id, event_time, severity, details)`

// ClickHouseArchiver batch-inserts evicted and appended events into the
// security_events table.
type ClickHouseArchiver struct {
	client *client.ClickHouseClient
}

func NewClickHouseArchiver(c *client.ClickHouseClient) *ClickHouseArchiver {
	return &ClickHouseArchiver{client: c}
}

func (a *ClickHouseArchiver) Name() string { return "clickhouse" }

func (a *ClickHouseArchiver) Archive(ctx context.Context, events []model.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		details := ""
		if len(e.Details) > 0 {
			if raw, err := json.Marshal(e.Details); err == nil {
				details = string(raw)
			}
		}
		rows = append(rows, []interface{}{
			string(e.Type),
			e.Identity,
			e.ConnectionID,
			e.Timestamp,
			e.Severity.String(),
			details,
		})
	}

	if err := a.client.BatchInsert(ctx, insertEventsQuery, rows); err != nil {
		return fmt.Errorf("clickhouse archive failed: %w", err)
	}
	return nil
}
