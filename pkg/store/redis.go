package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Redis-backed KV implementation. Record values are stored
// as plain keys with native TTL; secondary indexes and the per-namespace key
// list are kept in sets. Index members whose records have expired are
// skipped on read and pruned opportunistically.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions overrides connection settings parsed from the URL. Zero
// values leave the URL's settings in place.
type RedisOptions struct {
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	return NewRedisStoreWithOptions(redisURL, prefix, RedisOptions{})
}

// NewRedisStoreWithOptions is NewRedisStore with explicit connection
// overrides.
func NewRedisStoreWithOptions(redisURL, prefix string, o RedisOptions) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if o.Password != "" {
		opts.Password = o.Password
	}
	if o.DB != 0 {
		opts.DB = o.DB
	}
	if o.PoolSize != 0 {
		opts.PoolSize = o.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "polyfed"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) recordKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, namespace, key)
}

func (s *RedisStore) indexSetKey(namespace string, idx Index) string {
	return fmt.Sprintf("%s:%s:idx:%s:%s", s.prefix, namespace, idx.Name, idx.Value)
}

func (s *RedisStore) allSetKey(namespace string) string {
	return fmt.Sprintf("%s:%s:all", s.prefix, namespace)
}

// indexListKey holds the record's own index memberships so Delete can
// remove it from the right sets without the caller re-supplying them.
func (s *RedisStore) indexListKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:idxof:%s", s.prefix, namespace, key)
}

// Get implements KV.Get.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.recordKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Put implements KV.Put.
func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, indexes ...Index) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(namespace, key), value, ttl)
	pipe.SAdd(ctx, s.allSetKey(namespace), key)

	for _, idx := range indexes {
		pipe.SAdd(ctx, s.indexSetKey(namespace, idx), key)
	}
	if len(indexes) > 0 {
		membership, err := json.Marshal(indexes)
		if err != nil {
			return fmt.Errorf("failed to marshal index membership: %w", err)
		}
		pipe.Set(ctx, s.indexListKey(namespace, key), membership, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

// Delete implements KV.Delete.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	// Remove from whatever index sets the record was a member of.
	membership, err := s.client.Get(ctx, s.indexListKey(namespace, key)).Bytes()
	if err == nil {
		var indexes []Index
		if jsonErr := json.Unmarshal(membership, &indexes); jsonErr == nil {
			for _, idx := range indexes {
				s.client.SRem(ctx, s.indexSetKey(namespace, idx), key)
			}
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(namespace, key))
	pipe.Del(ctx, s.indexListKey(namespace, key))
	pipe.SRem(ctx, s.allSetKey(namespace), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// GetByIndex implements KV.GetByIndex.
func (s *RedisStore) GetByIndex(ctx context.Context, namespace string, idx Index, opts PageOptions) (Records, error) {
	keys, err := s.client.SMembers(ctx, s.indexSetKey(namespace, idx)).Result()
	if err != nil {
		return Records{}, fmt.Errorf("redis index read failed: %w", err)
	}
	return s.collect(ctx, namespace, s.indexSetKey(namespace, idx), keys, opts)
}

// GetAll implements KV.GetAll.
func (s *RedisStore) GetAll(ctx context.Context, namespace string, opts PageOptions) (Records, error) {
	keys, err := s.client.SMembers(ctx, s.allSetKey(namespace)).Result()
	if err != nil {
		return Records{}, fmt.Errorf("redis namespace read failed: %w", err)
	}
	return s.collect(ctx, namespace, s.allSetKey(namespace), keys, opts)
}

// Ping implements KV.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements KV.Close.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) collect(ctx context.Context, namespace, setKey string, keys []string, opts PageOptions) (Records, error) {
	sort.Strings(keys)
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, s.recordKey(namespace, key)).Bytes()
		if err == redis.Nil {
			// The record expired out from under its set membership.
			s.client.SRem(ctx, setKey, key)
			continue
		} else if err != nil {
			return Records{}, fmt.Errorf("redis get failed: %w", err)
		}
		values = append(values, data)
	}
	return page(values, opts), nil
}
