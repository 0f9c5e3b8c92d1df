// Package cache persists conversation summaries to Redis so the index
// survives restarts. One hash per identity, one field per counterparty.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/pkg/logger"
)

// summaryTTL bounds how long an identity's summaries outlive its last
// activity. Every write refreshes it.
const summaryTTL = 30 * 24 * time.Hour

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// commands is the subset of the Redis command API the cache issues.
// *redis.Client satisfies it.
type commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Client wraps the Redis connection.
type Client struct {
	rdb    commands
	logger *logger.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{rdb: rdb, logger: log}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the connection is still usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func conversationsKey(owner string) string {
	return "conversations:" + owner
}

// UpsertConversation writes one conversation summary for owner.
func (c *Client) UpsertConversation(ctx context.Context, owner string, conv model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	key := conversationsKey(owner)
	if err := c.rdb.HSet(ctx, key, conv.Pubkey, data).Err(); err != nil {
		return fmt.Errorf("failed to write conversation %q: %w", conv.Pubkey, err)
	}
	if err := c.rdb.Expire(ctx, key, summaryTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh ttl: %w", err)
	}
	return nil
}

// Conversations returns every cached conversation summary for owner.
// Entries that fail to decode are skipped.
func (c *Client) Conversations(ctx context.Context, owner string) ([]model.Conversation, error) {
	fields, err := c.rdb.HGetAll(ctx, conversationsKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}

	conversations := make([]model.Conversation, 0, len(fields))
	for peer, raw := range fields {
		var conv model.Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			c.logger.Warn("skipping undecodable cached conversation",
				zap.String("peer", peer),
				zap.Error(err))
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}
