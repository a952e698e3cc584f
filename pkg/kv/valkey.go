package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteIfEqual runs server-side so the compare and the delete are atomic.
var deleteIfEqual = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ValkeyStore is the shared Store used when several runbookd replicas must
// agree on locks and cached statuses. Every key is namespaced with Prefix.
type ValkeyStore struct {
	client *redis.Client
	prefix string
}

type ValkeyConfig struct {
	Addr     string // host:port
	Password string // optional
	DB       int
	Prefix   string // e.g. "runbookd:"
	// DialTimeout bounds the initial ping as well. Zero means 5s.
	DialTimeout time.Duration
}

// NewValkeyStore connects and pings the server before returning.
func NewValkeyStore(ctx context.Context, cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ClientName:  "runbookd",
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach valkey at %s: %w", cfg.Addr, err)
	}

	return &ValkeyStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *ValkeyStore) key(k string) string {
	return s.prefix + k
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *ValkeyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

func (s *ValkeyStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := deleteIfEqual.Run(ctx, s.client, []string{s.key(key)}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *ValkeyStore) Close() error {
	return s.client.Close()
}

var _ Store = (*ValkeyStore)(nil)
