package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding the pending-due index.
const DefaultKey = "planet_round_queue"

// LegacyKey was used by earlier deployments; members found under it are
// adopted into the current key at startup.
const LegacyKey = "map_calculation_queue"

// RedisIndex implements Index on a Redis sorted set. Member is the
// planet_id, score is the due time as epoch seconds.
type RedisIndex struct {
	client *redis.Client
	key    string
}

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(addr, password string, db int, key string) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if key == "" {
		key = DefaultKey
	}
	return &RedisIndex{client: client, key: key}, nil
}

func (i *RedisIndex) Put(ctx context.Context, planetID string, due time.Time) error {
	return i.client.ZAdd(ctx, i.key, redis.Z{
		Score:  float64(due.Unix()),
		Member: planetID,
	}).Err()
}

func (i *RedisIndex) Remove(ctx context.Context, planetID string) error {
	return i.client.ZRem(ctx, i.key, planetID).Err()
}

func (i *RedisIndex) RangeDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	rng := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	members, err := i.client.ZRangeByScoreWithScores(ctx, i.key, rng).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(members), nil
}

func (i *RedisIndex) PeekNext(ctx context.Context) (*Entry, error) {
	members, err := i.client.ZRangeWithScores(ctx, i.key, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	entries := toEntries(members)
	return &entries[0], nil
}

func (i *RedisIndex) Size(ctx context.Context) (int, error) {
	n, err := i.client.ZCard(ctx, i.key).Result()
	return int(n), err
}

func (i *RedisIndex) Snapshot(ctx context.Context) ([]Entry, error) {
	members, err := i.client.ZRangeWithScores(ctx, i.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(members), nil
}

func (i *RedisIndex) Clear(ctx context.Context) error {
	return i.client.Del(ctx, i.key).Err()
}

// AdoptLegacy merges members found under legacyKey into the current key
// and deletes the legacy key. Existing members keep their score (NX
// semantics), so a planet present in both keeps the earlier schedule if
// the current key already knows it. Returns the number of members moved.
func (i *RedisIndex) AdoptLegacy(ctx context.Context, legacyKey string) (int, error) {
	members, err := i.client.ZRangeWithScores(ctx, legacyKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	if err := i.client.ZAddNX(ctx, i.key, members...).Err(); err != nil {
		return 0, err
	}
	if err := i.client.Del(ctx, legacyKey).Err(); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Close releases the underlying Redis client.
func (i *RedisIndex) Close() error {
	return i.client.Close()
}

func toEntries(members []redis.Z) []Entry {
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			PlanetID: id,
			Due:      time.Unix(int64(m.Score), 0).UTC(),
		})
	}
	return entries
}
