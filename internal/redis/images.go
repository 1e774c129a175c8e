// Package redis holds the image-info store client. Image binaries live in
// an external asset pipeline; their metadata is cached in Redis and read
// when a current-item snapshot gets assembled.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/models"
)

// ImageClient wraps the Redis client with image-info operations.
type ImageClient struct {
	client *redis.Client
	log    *zap.Logger
}

// NewImageClient creates a new Redis-backed image-info client.
func NewImageClient(addr, password string, db int, log *zap.Logger) (*ImageClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &ImageClient{
		client: rdb,
		log:    log,
	}, nil
}

func imageInfoKey(entityType string, entityID int64) string {
	return "imageinfo:" + entityType + ":" + strconv.FormatInt(entityID, 10)
}

// GetImageInfos returns the image metadata stored for one entity. A missing
// key means the entity simply has no images; that is not an error.
func (c *ImageClient) GetImageInfos(ctx context.Context, entityType string, entityID int64) ([]models.ImageInfo, error) {
	payload, err := c.client.Get(ctx, imageInfoKey(entityType, entityID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image infos: %w", err)
	}

	var infos []models.ImageInfo
	if err := json.Unmarshal([]byte(payload), &infos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image infos: %w", err)
	}
	return infos, nil
}

// PutImageInfos stores the image metadata for one entity. Used by seeding
// tooling ahead of a run.
func (c *ImageClient) PutImageInfos(ctx context.Context, entityType string, entityID int64, infos []models.ImageInfo) error {
	payload, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("failed to marshal image infos: %w", err)
	}
	return c.client.Set(ctx, imageInfoKey(entityType, entityID), payload, 0).Err()
}

// Close closes the Redis connection.
func (c *ImageClient) Close() error {
	return c.client.Close()
}
