package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

// RedisStore keeps each conversation in a Redis list so logs survive process
// restarts. Idle conversations expire through the key TTL.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	maxMessages int
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL, prefix string, ttl time.Duration, maxMessages int) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix, ttl, maxMessages), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, maxMessages int) *RedisStore {
	if prefix == "" {
		prefix = "kisan:conv:"
	}
	if maxMessages < 1 {
		maxMessages = chat.MaxConversationMessages
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, maxMessages: maxMessages}
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

// Append implements Store.
func (r *RedisStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := r.key(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, sessionID string) ([]chat.Message, error) {
	raw, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	messages := make([]chat.Message, 0, len(raw))
	for i, item := range raw {
		var msg chat.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Prune implements Store.
func (r *RedisStore) Prune(ctx context.Context, sessionID string) error {
	if err := r.client.LTrim(ctx, r.key(sessionID), int64(-r.maxMessages), -1).Err(); err != nil {
		return fmt.Errorf("prune conversation: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
