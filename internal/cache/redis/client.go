package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/pkg/config"
	"github.com/emergency-agent/backend/pkg/ids"
	"github.com/emergency-agent/backend/pkg/logger"
)

// Client caches embeddings for node labels, entity names and retrieval queries.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(cfg config.RedisConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{client: client, ttl: time.Duration(cfg.EmbeddingTTLMin) * time.Minute}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func embeddingKey(model, text string) string {
	return fmt.Sprintf("embedding:%s:%s", model, ids.HashString(text))
}

func (c *Client) SetEmbedding(ctx context.Context, model, text string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	key := embeddingKey(model, text)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingKey(model, text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	embedding, err := decodeEmbedding(data)
	if err != nil {
		return nil, false, err
	}
	return embedding, true, nil
}

func decodeEmbedding(data []byte) ([]float32, error) {
	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, nil
}

// InvalidateEmbeddings drops every cached vector for model.
func (c *Client) InvalidateEmbeddings(ctx context.Context, model string) (int, error) {
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("embedding:%s:*", model), 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Embedding cache invalidated", zap.String("model", model), zap.Int("deleted", deleted))
	return deleted, nil
}
