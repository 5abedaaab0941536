package fetch

import (
	"context"
	"sync"
)

// maxInflightEntries — при превышении карта in-flight запросов сбрасывается целиком.
const maxInflightEntries = 50

type inflightHandle struct {
	id     uint64
	cancel context.CancelFunc
}

// inflightRequests — не более одного запроса на ключ пользователя (cacheKey.V2).
type inflightRequests struct {
	mu      sync.Mutex
	entries map[string]*inflightHandle
	nextID  uint64
}

func newInflightRequests() *inflightRequests {
	return &inflightRequests{entries: make(map[string]*inflightHandle)}
}

// replace отменяет предыдущий запрос по ключу и регистрирует новый.
func (r *inflightRequests) replace(key string, cancel context.CancelFunc) *inflightHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[key]; ok {
		prev.cancel()
		delete(r.entries, key)
	}
	if len(r.entries) > maxInflightEntries {
		r.entries = make(map[string]*inflightHandle)
	}

	r.nextID++
	h := &inflightHandle{id: r.nextID, cancel: cancel}
	r.entries[key] = h
	return h
}

// remove удаляет запись, только если она все еще принадлежит h.
func (r *inflightRequests) remove(key string, h *inflightHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[key]; ok && cur.id == h.id {
		delete(r.entries, key)
	}
}

func (r *inflightRequests) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *inflightRequests) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// cancelAll отменяет все запросы (Shutdown).
func (r *inflightRequests) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.entries {
		h.cancel()
	}
	r.entries = make(map[string]*inflightHandle)
}

// oneShot гарантирует ровно одно срабатывание.
type oneShot struct {
	mu    sync.Mutex
	fired bool
}

// fire возвращает true только первому вызвавшему.
func (o *oneShot) fire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fired {
		return false
	}
	o.fired = true
	return true
}
