package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	failPrefix = "attempt:fail:"
	okPrefix   = "attempt:ok:"

	// Entries older than this are never consulted; keys expire on their own
	// when a user stops generating attempts.
	retention = 24 * time.Hour
)

// RedisLedger keeps attempts in per-user sorted sets scored by timestamp.
// The window count is a single ZCOUNT over the failure set.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLedger{client: client}, nil
}

// NewRedisLedgerWithClient wraps an existing client, sharing the connection
// with the session store.
func NewRedisLedgerWithClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) key(userID uuid.UUID, outcome bool) string {
	if outcome {
		return okPrefix + userID.String()
	}
	return failPrefix + userID.String()
}

// Record appends one attempt. The ZADD, trim and expiry run in a MULTI/EXEC
// transaction so the ledger never holds a partially-written attempt.
func (l *RedisLedger) Record(ctx context.Context, userID uuid.UUID, outcome bool) error {
	now := time.Now()
	key := l.key(userID, outcome)
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-retention).UnixNano()))
		pipe.Expire(ctx, key, retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (l *RedisLedger) CountRecentFailures(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	count, err := l.client.ZCount(ctx, l.key(userID, false), fmt.Sprintf("%d", cutoff), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return int(count), nil
}

// Ping reports backend health for readiness checks.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
