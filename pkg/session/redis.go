package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client used by RedisRepository.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisRepository stores each session record as one JSON value.
type RedisRepository struct {
	client    RedisClient
	prefix    string
	ownClient bool
}

// RedisOption configures RedisRepository behavior.
type RedisOption func(*redisConfig)

type redisConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for session keys.
// Default: "pianoroll:session:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// NewRedisRepository wraps an existing client. Close does not close the
// client, as it may be shared with other components.
func NewRedisRepository(client RedisClient, opts ...RedisOption) *RedisRepository {
	cfg := &redisConfig{
		prefix: "pianoroll:session:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisRepository{
		client: client,
		prefix: cfg.prefix,
	}
}

// DialRedis connects to the server at url (redis://...) and verifies it with
// a PING.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisRepository, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	repo := NewRedisRepository(client, opts...)
	repo.ownClient = true
	return repo, nil
}

func (r *RedisRepository) key(id string) string {
	return r.prefix + id
}

// Find loads a record, returning nil when the key does not exist.
func (r *RedisRepository) Find(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return unmarshalRecord(data)
}

// Upsert writes rec without expiry.
func (r *RedisRepository) Upsert(ctx context.Context, rec *Record) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(rec.ID), data, 0).Err()
}

// Close closes the client if DialRedis created it.
func (r *RedisRepository) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

// Prefix returns the current key prefix.
func (r *RedisRepository) Prefix() string {
	return r.prefix
}
