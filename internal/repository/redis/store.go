package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/flagkit/internal/repository"
)

var (
	ErrFailedToParseURL = errors.New("failed to parse redis connection url")
	ErrNotReady         = errors.New("redis did not become ready")
)

// Config — параметры подключения к Redis.
type Config struct {
	URL            string
	Prefix         string // пространство имен ключей, например "flagkit:"
	RetryAttempts  uint
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Connect парсит URL и ждет, пока Redis ответит на PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}

	var client *redis.Client
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(cfg.RetryAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return cfg.RetryInterval
		}),
		retry.LastErrorOnly(true),
	)
	err = r.Do(func() error {
		c := redis.NewClient(opts)
		if pingErr := c.Ping(ctx).Err(); pingErr != nil {
			_ = c.Close()
			return pingErr
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrNotReady, err)
	}
	return client, nil
}

// Store — реализация repository.Store поверх Redis.
// Значения хранятся строками, списки — нативными Redis-списками.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ repository.Store = (*Store)(nil)

func NewStore(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetList(ctx context.Context, key string) ([][]byte, error) {
	items, err := s.rdb.LRange(ctx, s.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}

	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// SetList атомарно заменяет список целиком (DEL + RPUSH в транзакции).
func (s *Store) SetList(ctx context.Context, key string, values [][]byte) error {
	k := s.key(key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		if len(values) == 0 {
			return nil
		}
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, k, args...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set list %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
