package repository

/*
Пакет repository описывает персистентное KV-хранилище SDK.
Хранилище переживает рестарт процесса и безопасно для конкурентного доступа:
его одновременно используют очередь EventLogger, путь записи на диск
и координатор загрузки значений.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("key not found")

// Store — контракт KV-хранилища: значения и упорядоченные списки байтовых буферов.
type Store interface {
	// Get возвращает ErrNotFound, если ключа нет.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error

	// GetList возвращает пустой список, если ключа нет.
	GetList(ctx context.Context, key string) ([][]byte, error)
	SetList(ctx context.Context, key string, values [][]byte) error

	Remove(ctx context.Context, key string) error
}

// GetJSON читает значение и раскладывает его в dst. found=false, если ключа нет.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON сериализует v и сохраняет под key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// GetString — строковое значение или "" если ключа нет.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func SetString(ctx context.Context, s Store, key, value string) error {
	return s.Set(ctx, key, []byte(value))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneList(values [][]byte) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = cloneBytes(v)
	}
	return out
}
