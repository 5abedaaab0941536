package eventlog

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xela07ax/flagkit/internal/repository"
)

// failedQueue — неотправленные тела запросов /v1/rgstr.
// Общий ресурс для флаша, Stop и RetryFailedRequests, поэтому под своим mutex,
// а не в воркере. Суммарный размер ограничен maxBytes, вытесняются самые старые.
type failedQueue struct {
	mu       sync.Mutex
	items    [][]byte
	size     int
	maxBytes int

	kv    repository.Store
	key   string
	gauge prometheus.Gauge
}

func newFailedQueue(kv repository.Store, key string, maxBytes int, gauge prometheus.Gauge) *failedQueue {
	return &failedQueue{kv: kv, key: key, maxBytes: maxBytes, gauge: gauge}
}

// load поднимает сохраненные батчи из хранилища (при старте).
func (q *failedQueue) load(ctx context.Context) error {
	stored, err := q.kv.GetList(ctx, q.key)
	if err != nil {
		return fmt.Errorf("load failed batches: %w", err)
	}
	q.add(stored...)
	return nil
}

// add дописывает батчи в конец. Батч, побайтно равный уже лежащему, не дублируется.
func (q *failedQueue) add(batches ...[]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range batches {
		if len(b) == 0 || q.containsLocked(b) {
			continue
		}
		q.items = append(q.items, b)
		q.size += len(b)
	}
	q.evictLocked()
	q.gauge.Set(float64(q.size))
}

// evictLocked идет от новых к старым, накапливая размер; всё начиная с
// элемента, на котором лимит превышен, и старше — удаляется.
func (q *failedQueue) evictLocked() {
	cumulative := 0
	for i := len(q.items) - 1; i >= 0; i-- {
		cumulative += len(q.items[i])
		if cumulative > q.maxBytes {
			for _, old := range q.items[:i+1] {
				q.size -= len(old)
			}
			q.items = append([][]byte(nil), q.items[i+1:]...)
			return
		}
	}
}

func (q *failedQueue) containsLocked(b []byte) bool {
	for _, item := range q.items {
		if bytes.Equal(item, b) {
			return true
		}
	}
	return false
}

// remove убирает ровно этот payload. false, если его нет.
func (q *failedQueue) remove(b []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if bytes.Equal(item, b) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			q.size -= len(item)
			q.gauge.Set(float64(q.size))
			return true
		}
	}
	return false
}

// drain забирает всё из памяти, очередь остается пустой.
func (q *failedQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	q.size = 0
	q.gauge.Set(0)
	return out
}

func (q *failedQueue) snapshot() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.items...)
}

func (q *failedQueue) totalBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// save пишет текущее содержимое в хранилище. Запись под mutex,
// чтобы параллельные сохранения не перетирали друг друга старым снимком.
func (q *failedQueue) save(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return q.kv.Remove(ctx, q.key)
	}
	return q.kv.SetList(ctx, q.key, q.items)
}
