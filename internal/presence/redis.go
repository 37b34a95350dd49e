package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "fleetdispatch:presence:"

// Redis stores facts as "<prefix><device id>" = unix millis with a PX expiry,
// so several processes can share one presence view.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string { return r.prefix + id }

func (r *Redis) Touch(ctx context.Context, deviceID string, seenAt time.Time) error {
	v := strconv.FormatInt(seenAt.UTC().UnixMilli(), 10)
	if err := r.client.Set(ctx, r.key(deviceID), v, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence touch %s: %w", deviceID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, deviceID string) (Fact, bool, error) {
	v, err := r.client.Get(ctx, r.key(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return Fact{}, false, nil
	}
	if err != nil {
		return Fact{}, false, fmt.Errorf("presence get %s: %w", deviceID, err)
	}
	f, err := parseFact(deviceID, v)
	if err != nil {
		return Fact{}, false, err
	}
	return f, true, nil
}

func (r *Redis) All(ctx context.Context) ([]Fact, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence scan: %w", err)
	}
	out := make([]Fact, 0, len(keys))
	const batch = 500
	for i := 0; i < len(keys); i += batch {
		chunk := keys[i:min(i+batch, len(keys))]
		vals, err := r.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, fmt.Errorf("presence mget: %w", err)
		}
		for j, raw := range vals {
			s, ok := raw.(string)
			if !ok {
				// expired between SCAN and MGET
				continue
			}
			f, err := parseFact(strings.TrimPrefix(chunk[j], r.prefix), s)
			if err != nil {
				continue
			}
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *Redis) Forget(ctx context.Context, deviceID string) error {
	return r.client.Del(ctx, r.key(deviceID)).Err()
}

func parseFact(id, v string) (Fact, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Fact{}, fmt.Errorf("presence value for %s: %w", id, err)
	}
	return Fact{DeviceID: id, SeenAt: time.UnixMilli(ms).UTC()}, nil
}
