package correlate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Index is an optional Redis-backed map from group key to the ID of its open
// alarm. It is a lookup accelerator only; misses and errors always fall back
// to the storage query.
type Index struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewIndex connects to Redis and verifies the connection.
func NewIndex(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *zap.SugaredLogger) (*Index, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Index{client: client, ttl: ttl, logger: logger}, nil
}

// Close releases the Redis connection.
func (i *Index) Close() error {
	return i.client.Close()
}

func indexKey(groupKey string) string {
	return "overwatch:group:" + groupKey
}

// Get returns the indexed alarm ID for a group key.
func (i *Index) Get(ctx context.Context, groupKey string) (string, bool) {
	val, err := i.client.Get(ctx, indexKey(groupKey)).Result()
	if err != nil {
		if err != redis.Nil {
			i.logger.Warnw("redis index get failed", "group_key", groupKey, "error", err)
		}
		return "", false
	}
	return val, true
}

// Put records the open alarm for a group key.
func (i *Index) Put(ctx context.Context, groupKey, alarmID string) error {
	return i.client.Set(ctx, indexKey(groupKey), alarmID, i.ttl).Err()
}

// Delete drops a stale index entry.
func (i *Index) Delete(ctx context.Context, groupKey string) {
	if err := i.client.Del(ctx, indexKey(groupKey)).Err(); err != nil {
		i.logger.Warnw("redis index delete failed", "group_key", groupKey, "error", err)
	}
}
