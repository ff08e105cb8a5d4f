package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const labelKeyPrefix = "posture:label:"

type LabelSource interface {
	GetLabelMetadata(ctx context.Context, labelID string) (*models.LabelMetadata, error)
}

// LabelCache is a read-through Redis cache in front of the label table.
// Redis failures fall back to the source.
type LabelCache struct {
	client *redis.Client
	source LabelSource
	ttl    time.Duration
	log    *zap.Logger
}

func NewLabelCache(client *redis.Client, source LabelSource, ttl time.Duration, log *zap.Logger) *LabelCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &LabelCache{client: client, source: source, ttl: ttl, log: log}
}

func (c *LabelCache) GetLabelMetadata(ctx context.Context, labelID string) (*models.LabelMetadata, error) {
	key := labelKeyPrefix + labelID

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var meta models.LabelMetadata
		if jsonErr := json.Unmarshal(raw, &meta); jsonErr == nil {
			return &meta, nil
		}
		c.log.Warn("dropping corrupt label cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("label cache read failed", zap.String("key", key), zap.Error(err))
	}

	meta, err := c.source.GetLabelMetadata(ctx, labelID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(meta)
	if err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn("label cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return meta, nil
}

func (c *LabelCache) Invalidate(ctx context.Context, labelID string) error {
	return c.client.Del(ctx, labelKeyPrefix+labelID).Err()
}
