// Package redis provides the redis-backed checkpoint store for
// multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/client"
	"realtime-gateway/internal/model"
	"realtime-gateway/internal/recovery"
	"realtime-gateway/internal/util"
)

const checkpointPrefix = "session_checkpoint:"

// CheckpointCache implements recovery.CheckpointStore on Redis. Entries
// carry a TTL matching the engine's staleness bound, so an instance
// crash cannot leak checkpoints forever.
type CheckpointCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewCheckpointCache(client *client.RedisClient, ttl time.Duration) *CheckpointCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CheckpointCache{client: client, ttl: ttl}
}

func (c *CheckpointCache) Put(ctx context.Context, checkpoint model.SessionCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	key := checkpointPrefix + checkpoint.SessionID
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		util.Error("failed to store checkpoint",
			zap.String("session_id", checkpoint.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}

	util.Debug("checkpoint stored",
		zap.String("session_id", checkpoint.SessionID),
		zap.Duration("ttl", c.ttl))
	return nil
}

func (c *CheckpointCache) Get(ctx context.Context, sessionID string) (*model.SessionCheckpoint, error) {
	key := checkpointPrefix + sessionID

	data, err := c.client.Get(ctx, key)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, recovery.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var checkpoint model.SessionCheckpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return nil, fmt.Errorf("invalid checkpoint format: %w", err)
	}
	return &checkpoint, nil
}

func (c *CheckpointCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, checkpointPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// All scans the checkpoint keyspace. Used only by the housekeeping
// sweep, so a SCAN walk is acceptable.
func (c *CheckpointCache) All(ctx context.Context) ([]model.SessionCheckpoint, error) {
	var out []model.SessionCheckpoint
	cursor := uint64(0)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, checkpointPrefix+"*", 100)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
		}
		for _, key := range keys {
			data, err := c.client.Get(ctx, key)
			if err != nil {
				continue // expired between scan and get
			}
			var checkpoint model.SessionCheckpoint
			if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
				util.Warn("skipping malformed checkpoint", zap.String("key", key))
				continue
			}
			out = append(out, checkpoint)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
