package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/flagkit/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// KVRepo хранит значения и списки в одной таблице flagkit_kv.
// Значение и список под одним ключом живут в разных колонках.
type KVRepo struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*KVRepo)(nil)

// NewKVRepo открывает пул и падает сразу, если БД недоступна.
func NewKVRepo(ctx context.Context, connString string, maxConns int32) (*KVRepo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &KVRepo{pool: pool}, nil
}

// EnsureSchema применяет schema.sql. Идемпотентно.
func (r *KVRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return err
}

func (r *KVRepo) Close() {
	r.pool.Close()
}

func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM flagkit_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && value == nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO flagkit_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (r *KVRepo) GetList(ctx context.Context, key string) ([][]byte, error) {
	var items [][]byte
	err := r.pool.QueryRow(ctx, `SELECT items FROM flagkit_kv WHERE key = $1`, key).Scan(&items)
	if errors.Is(err, pgx.ErrNoRows) {
		return [][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select list %s: %w", key, err)
	}
	if items == nil {
		items = [][]byte{}
	}
	return items, nil
}

func (r *KVRepo) SetList(ctx context.Context, key string, values [][]byte) error {
	var items any = values
	if len(values) == 0 {
		items = nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO flagkit_kv (key, items, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET items = EXCLUDED.items, updated_at = now()`,
		key, items,
	)
	if err != nil {
		return fmt.Errorf("upsert list %s: %w", key, err)
	}
	return nil
}

func (r *KVRepo) Remove(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM flagkit_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
