package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	sentinelerrors "github.com/sentinelops/sentinel/pkg/errors"
)

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	Address         string        `yaml:"address"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	MaxRetries      int           `yaml:"max_retries"`
	PoolSize        int           `yaml:"pool_size"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ScanCount       int64         `yaml:"scan_count"`
}

// RedisStore is the shared, cross-process Store backed by Redis.
type RedisStore struct {
	client    *redis.Client
	scanCount int64
}

// NewRedisStore creates a Redis-backed store. It does not contact the server;
// call Ping to verify connectivity.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	cfg.Address = strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "redis://"), "rediss://")
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 500
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	})

	return &RedisStore{client: client, scanCount: cfg.ScanCount}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreRead, "redis get failed").
			WithComponent("store").WithOperation("get")
	}
	return value, true, nil
}

// Set implements Store. Time-ordered keys are also added to a per-prefix
// sorted set scored by their timestamp, so range reads need no SCAN. Index
// members older than one TTL are pruned on the same write.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	prefix, ts, indexed := timeOrdered(key)
	var err error
	if !indexed {
		err = r.client.Set(ctx, key, value, ttl).Err()
	} else {
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			idx := indexKey(prefix)
			pipe.Set(ctx, key, value, ttl)
			pipe.ZAdd(ctx, idx, redis.Z{Score: float64(ts.UnixMicro()), Member: key})
			if ttl > 0 {
				pipe.ZRemRangeByScore(ctx, idx, "-inf", "("+strconv.FormatInt(ts.Add(-ttl).UnixMicro(), 10))
			}
			return nil
		})
	}
	if err != nil {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreWrite, "redis set failed").
			WithComponent("store").WithOperation("set")
	}
	return nil
}

// KeysBetween implements RangeLister with ZRANGEBYSCORE over the prefix index.
// Members whose key already expired are returned; Get reports them missing.
func (r *RedisStore) KeysBetween(ctx context.Context, prefix string, since, until time.Time) ([]string, error) {
	if !isTimeOrdered(prefix) {
		return scanBetween(ctx, r, prefix, since, until)
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !since.IsZero() {
		rng.Min = strconv.FormatInt(since.UnixMicro(), 10)
	}
	if !until.IsZero() {
		rng.Max = strconv.FormatInt(until.UnixMicro()+1, 10)
	}
	keys, err := r.client.ZRangeByScore(ctx, indexKey(prefix), rng).Result()
	if err != nil {
		return nil, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreRead, "redis range failed").
			WithComponent("store").WithOperation("keys_between")
	}
	return filterBetween(prefix, keys, since, until), nil
}

// Keys implements Store using SCAN so large keyspaces do not block the server.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreRead, "redis scan failed").
			WithComponent("store").WithOperation("keys")
	}

	// SCAN may return duplicates.
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	var err error
	if prefix, _, indexed := timeOrdered(key); indexed {
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, indexKey(prefix), key)
			return nil
		})
	} else {
		err = r.client.Del(ctx, key).Err()
	}
	if err != nil {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreWrite, "redis del failed").
			WithComponent("store").WithOperation("delete")
	}
	return nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreUnavailable, "redis ping failed").
			WithComponent("store").WithOperation("ping")
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// PoolStats exposes the client pool statistics.
func (r *RedisStore) PoolStats() *redis.PoolStats {
	return r.client.PoolStats()
}

// indexKey names the sorted set indexing a time-ordered prefix. It sits outside
// every data prefix so Keys never lists it.
func indexKey(prefix string) string {
	return Namespace + "index:" + strings.TrimPrefix(prefix, Namespace)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
