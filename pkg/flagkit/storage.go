package flagkit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/eventlog"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
	"github.com/xela07ax/flagkit/internal/repository/postgres"
	redisstore "github.com/xela07ax/flagkit/internal/repository/redis"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

// OpenStore открывает KV-хранилище по конфигу. Возвращаемый closer
// освобождает соединения и дописывает файл на диск.
func OpenStore(ctx context.Context, cfg infra.StorageConfig, logger *zap.Logger) (repository.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", BackendMemory:
		return repository.NewMemoryStore(), noop, nil

	case BackendFile:
		fs, err := repository.OpenFileStore(cfg.FilePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return fs, fs.Close, nil

	case BackendRedis:
		rdb, err := redisstore.Connect(ctx, redisstore.Config{URL: cfg.RedisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisstore.NewStore(rdb, ""), rdb.Close, nil

	case BackendPostgres:
		repo, err := postgres.NewKVRepo(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, func() error { repo.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// DeleteLocalStorage удаляет сохраненные неотправленные события для sdkKey.
func DeleteLocalStorage(ctx context.Context, store repository.Store, sdkKey string) error {
	return eventlog.DeleteLocalStorage(ctx, store, sdkKey)
}
