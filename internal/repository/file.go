package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// fileSnapshot — формат файла на диске. []byte сериализуются в base64.
type fileSnapshot struct {
	Values map[string][]byte   `json:"values"`
	Lists  map[string][][]byte `json:"lists"`
}

// FileStore держит данные в памяти и зеркалирует их в JSON-файл.
// Запись на диск асинхронная: изменения помечают стор "грязным",
// фоновая горутина сбрасывает последний снимок. Close дожидается записи.
type FileStore struct {
	mem    *MemoryStore
	path   string
	logger *zap.Logger

	writeMu sync.Mutex // сериализует запись файла
	dirty   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// OpenFileStore читает файл (если есть) и запускает фоновую запись.
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	fs := &FileStore{
		mem:    NewMemoryStore(),
		path:   path,
		logger: logger.With(zap.String("mod", "filestore")),
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	fs.wg.Add(1)
	go fs.writer()
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", fs.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Битый файл не должен ломать старт SDK: начинаем с пустого стора
		fs.logger.Warn("corrupted storage file, starting empty", zap.String("path", fs.path), zap.Error(err))
		return nil
	}

	for k, v := range snap.Values {
		fs.mem.values[k] = v
	}
	for k, v := range snap.Lists {
		fs.mem.lists[k] = v
	}
	return nil
}

func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	return fs.mem.Get(ctx, key)
}

func (fs *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := fs.mem.Set(ctx, key, value); err != nil {
		return err
	}
	fs.markDirty()
	return nil
}

func (fs *FileStore) GetList(ctx context.Context, key string) ([][]byte, error) {
	return fs.mem.GetList(ctx, key)
}

func (fs *FileStore) SetList(ctx context.Context, key string, values [][]byte) error {
	if err := fs.mem.SetList(ctx, key, values); err != nil {
		return err
	}
	fs.markDirty()
	return nil
}

func (fs *FileStore) Remove(ctx context.Context, key string) error {
	if err := fs.mem.Remove(ctx, key); err != nil {
		return err
	}
	fs.markDirty()
	return nil
}

// Sync синхронно пишет текущий снимок на диск.
func (fs *FileStore) Sync() error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	fs.mem.mu.RLock()
	snap := fileSnapshot{Values: fs.mem.values, Lists: fs.mem.lists}
	data, err := json.Marshal(snap)
	fs.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if dir := filepath.Dir(fs.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
	}

	// Пишем во временный файл и переименовываем, чтобы не оставить полузаписанный JSON
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Close останавливает фоновую запись и сбрасывает последние изменения.
func (fs *FileStore) Close() error {
	fs.once.Do(func() {
		close(fs.done)
		fs.wg.Wait()
	})
	return fs.Sync()
}

func (fs *FileStore) markDirty() {
	select {
	case fs.dirty <- struct{}{}:
	default:
		// Запись уже запланирована
	}
}

func (fs *FileStore) writer() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.dirty:
			if err := fs.Sync(); err != nil {
				fs.logger.Error("storage write failed", zap.Error(err))
			}
		case <-fs.done:
			return
		}
	}
}
