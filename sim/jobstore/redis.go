package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to every key.
const DefaultRedisPrefix = "batsim:"

// RedisOptions configures a Redis-backed store.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Redis reads descriptions from Redis string keys
// "<prefix>job_<id>" and "<prefix>profile_<workload>!<profile>".
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a store backed by Redis. No connection is made until
// the first lookup; call Ping to check the server.
func NewRedis(opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: rdb, prefix: prefix}
}

// Ping checks that the server is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis job store at %s: %w", s.client.Options().Addr, err)
	}
	return nil
}

// PutJob stores the description of job id.
func (s *Redis) PutJob(ctx context.Context, id string, desc []byte) error {
	return s.set(ctx, JobKey(id), desc)
}

// PutProfile stores the description of profile in workload.
func (s *Redis) PutProfile(ctx context.Context, workload, profile string, desc []byte) error {
	return s.set(ctx, ProfileKey(workload, profile), desc)
}

func (s *Redis) set(ctx context.Context, key string, desc []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, desc, 0).Err(); err != nil {
		return fmt.Errorf("redis job store: setting %s: %w", s.prefix+key, err)
	}
	return nil
}

func (s *Redis) get(ctx context.Context, key string) ([]byte, error) {
	desc, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s%s: %w", s.prefix, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis job store: getting %s: %w", s.prefix+key, err)
	}
	return desc, nil
}

func (s *Redis) Job(ctx context.Context, id string) ([]byte, error) {
	return s.get(ctx, JobKey(id))
}

func (s *Redis) Profile(ctx context.Context, workload, profile string) ([]byte, error) {
	return s.get(ctx, ProfileKey(workload, profile))
}

func (s *Redis) Close() error { return s.client.Close() }
