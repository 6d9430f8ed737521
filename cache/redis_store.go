package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each entry under "<prefix>:entry:<fingerprint>" and a
// sorted set "<prefix>:index" scored by creation time in microseconds, so
// several service instances can share one cache.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "thumbgen:cache"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Load(ctx context.Context, fingerprint string) (Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("cache: decode redis entry: %w", err)
	}
	return e, nil
}

func (s *RedisStore) Save(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode redis entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(e.Fingerprint), raw, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(e.CreatedAt.UnixMicro()),
		Member: e.Fingerprint,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]Meta, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.indexKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	metas := make([]Meta, 0, len(members))
	for _, m := range members {
		fp, ok := m.Member.(string)
		if !ok {
			continue
		}
		metas = append(metas, Meta{Fingerprint: fp, CreatedAt: time.UnixMicro(int64(m.Score))})
	}
	return metas, nil
}

func (s *RedisStore) Delete(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	members := make([]interface{}, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = s.entryKey(fp)
		members[i] = fp
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.indexKey(), members...)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) entryKey(fingerprint string) string {
	return s.prefix + ":entry:" + fingerprint
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

var _ Store = (*RedisStore)(nil)
