package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/ports"
)

// DefaultRedisKey is the list suggestions are pushed to.
const DefaultRedisKey = "canary:suggestions"

// DefaultBatchSize bounds how many suggestions one Poll pops.
const DefaultBatchSize = 100

// RedisQueue is a Redis list of JSON suggestions. Producers LPUSH and the
// pipeline RPOPs, so the list behaves as a FIFO. Payloads that fail to
// decode are moved to "<key>:dead" and skipped.
type RedisQueue struct {
	client *redis.Client
	key    string
	batch  int
	log    zerolog.Logger
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithKey sets the list key.
func WithKey(key string) RedisOption {
	return func(q *RedisQueue) { q.key = key }
}

// WithBatchSize sets the maximum number of suggestions per Poll.
func WithBatchSize(n int) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.batch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) RedisOption {
	return func(q *RedisQueue) { q.log = l.With().Str("component", "intake").Logger() }
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		key:    DefaultRedisKey,
		batch:  DefaultBatchSize,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

var _ ports.SuggestionSource = (*RedisQueue)(nil)

// Push enqueues suggestions.
func (q *RedisQueue) Push(ctx context.Context, items ...domain.ImprovementSuggestion) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items))
	for _, s := range items {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal suggestion %s: %w", s.SuggestionID, err)
		}
		values = append(values, b)
	}
	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return &domain.ExternalServiceError{Service: "redis", Op: "lpush", Err: err}
	}
	return nil
}

// Poll pops up to limit suggestions, capped by the batch size, oldest first.
func (q *RedisQueue) Poll(ctx context.Context, limit int) ([]domain.ImprovementSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := q.client.RPopCount(ctx, q.key, min(limit, q.batch)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: "redis", Op: "rpop", Err: err}
	}

	out := make([]domain.ImprovementSuggestion, 0, len(raw))
	for _, r := range raw {
		var s domain.ImprovementSuggestion
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			q.log.Warn().Err(err).Msg("undecodable suggestion moved to dead letter list")
			if err := q.client.LPush(ctx, q.key+":dead", r).Err(); err != nil {
				q.log.Error().Err(err).Msg("dead letter push failed")
			}
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
