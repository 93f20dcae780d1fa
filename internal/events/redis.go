package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTimeline stores each match's events as a capped Redis list under
// <prefix>:<matchID>, newest at the head.
type RedisTimeline struct {
	client    redis.UniversalClient
	prefix    string
	retention int64
}

func NewRedisTimeline(client redis.UniversalClient, prefix string, retention int) *RedisTimeline {
	if retention <= 0 {
		retention = 1000
	}
	return &RedisTimeline{client: client, prefix: prefix, retention: int64(retention)}
}

// NewRedisClient is the shared constructor for the server and the consumer.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func (r *RedisTimeline) key(matchID string) string { return r.prefix + ":" + matchID }

func (r *RedisTimeline) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := r.key(ev.MatchID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, r.retention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (r *RedisTimeline) Recent(ctx context.Context, matchID string, limit int) ([]Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, r.key(matchID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, s := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RedisTimeline) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
