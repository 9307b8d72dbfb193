package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "dtningest/internal/errors"
)

// Config holds Redis configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store is the process-scoped key/value handle shared by the ingestion
// services. All values are opaque byte strings.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeKVConnection, "failed to connect to Redis")
	}

	return &Store{client: client}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVConnection, "Redis ping failed")
	}
	return nil
}

// Get returns the value at key, or nil if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "GET failed")
	}
	return data, nil
}

// Set stores a value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "SET failed")
	}
	return nil
}

// SetEx stores a value with a TTL.
func (s *Store) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "SETEX failed")
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "DEL failed")
	}
	return nil
}

// RPush appends values to the list at key.
func (s *Store) RPush(ctx context.Context, key string, values ...interface{}) error {
	if err := s.client.RPush(ctx, key, values...).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "RPUSH failed")
	}
	return nil
}

// Expire sets the TTL on a key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "EXPIRE failed")
	}
	return nil
}

// RPushExpire appends a value and resets the key TTL in one round trip.
// Every tick-buffer append is paired with its TTL this way.
func (s *Store) RPushExpire(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, value)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "RPUSH+EXPIRE pipeline failed")
	}
	return nil
}

// RPushAllExpire appends many values then sets the key TTL, pipelined.
func (s *Store) RPushAllExpire(ctx context.Context, key string, values [][]byte, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	for _, v := range values {
		pipe.RPush(ctx, key, v)
	}
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "bulk RPUSH pipeline failed")
	}
	return nil
}

// Scan returns all keys matching the glob pattern.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "SCAN failed")
	}
	return keys, nil
}

// Publish sends a payload on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeKVOperation, "PUBLISH failed")
	}
	return nil
}

// Subscribe subscribes to pub/sub channels and returns the delivery channel.
// Close the returned PubSub to stop delivery.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, <-chan *redis.Message) {
	pubsub := s.client.Subscribe(ctx, channels...)
	return pubsub, pubsub.Channel()
}
