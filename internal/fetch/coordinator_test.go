package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/network"
)

type fakeTransport struct {
	mu     sync.Mutex
	bodies [][]byte
	calls  atomic.Int32

	// respond == nil — запрос висит до отмены контекста
	respond func() (*network.Response, error)
}

func (f *fakeTransport) Send(ctx context.Context, _ network.Endpoint, body []byte, _ string) (*network.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if f.respond == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.respond()
}

func (f *fakeTransport) lastBody(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.bodies)

	var m map[string]any
	require.NoError(t, json.Unmarshal(f.bodies[len(f.bodies)-1], &m))
	return m
}

type fakeStore struct {
	mu        sync.Mutex
	saved     []map[string]any
	saveErrs  []error
	finalized atomic.Int32

	// entered/release != nil — SaveValues сигналит о входе и ждет release
	entered chan struct{}
	release chan struct{}
}

func (s *fakeStore) SaveValues(ctx context.Context, raw map[string]any, _ domain.UserCacheKey, _ string) error {
	if s.release != nil {
		close(s.entered)
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, raw)
	s.saveErrs = append(s.saveErrs, ctx.Err())
	return nil
}

func (s *fakeStore) FinalizeValues() { s.finalized.Add(1) }

func (s *fakeStore) Saved() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.saved...)
}

type staticMeta map[string]string

func (m staticMeta) Snapshot() map[string]string { return m }

func jsonResponse(status int, body string) func() (*network.Response, error) {
	return func() (*network.Response, error) {
		return &network.Response{StatusCode: status, Body: []byte(body)}, nil
	}
}

func newTestCoordinator(t *testing.T, timeout time.Duration, tr *fakeTransport, store *fakeStore) *Coordinator {
	t.Helper()
	opts := infra.DefaultOptions()
	opts.SDKKey = "client-key"
	opts.InitTimeout = timeout
	return NewCoordinator(opts, tr, store, staticMeta{"stableID": "s1"}, nil, zaptest.NewLogger(t))
}

// collector считает вызовы completion.
type collector struct {
	calls atomic.Int32
	errs  chan error
}

func newCollector() *collector {
	return &collector{errs: make(chan error, 16)}
}

func (c *collector) complete(err error) {
	c.calls.Add(1)
	c.errs <- err
}

func (c *collector) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("completion was not called")
		return nil
	}
}

func TestFetchInitialValues_Success(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusOK, `{"has_updates": true, "time": 10}`)}
	store := &fakeStore{}
	c := newTestCoordinator(t, time.Second, tr, store)
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 5, map[string]string{"a": "b"}, "sum", col.complete)

	require.NoError(t, col.wait(t))
	require.Len(t, store.Saved(), 1)
	assert.Equal(t, true, store.Saved()[0]["has_updates"])
	assert.Equal(t, int32(1), store.finalized.Load())
	assert.Equal(t, 0, c.InflightCount())

	body := tr.lastBody(t)
	assert.Equal(t, "djb2", body["hash"])
	assert.Equal(t, float64(5), body["sinceTime"])
	assert.Equal(t, "sum", body["full_checksum"])
	assert.Equal(t, map[string]any{"a": "b"}, body["previousDerivedFields"])
	assert.Equal(t, map[string]any{"stableID": "s1"}, body["metadata"])
	assert.Equal(t, map[string]any{"userID": "u1"}, body["user"])
}

func TestFetchInitialValues_NoContentMeansNoUpdates(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusNoContent, "")}
	store := &fakeStore{}
	c := newTestCoordinator(t, time.Second, tr, store)
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)

	require.NoError(t, col.wait(t))
	require.Len(t, store.Saved(), 1)
	assert.Equal(t, map[string]any{"has_updates": false}, store.Saved()[0])
}

func TestFetchInitialValues_ErrorStatus(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusInternalServerError, "")}
	store := &fakeStore{}
	c := newTestCoordinator(t, time.Second, tr, store)
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)

	err := col.wait(t)
	assert.True(t, domain.HasCode(err, domain.CodeFailedToFetchValues))
	assert.Empty(t, store.Saved())
	assert.Equal(t, int32(1), store.finalized.Load())
}

func TestFetchInitialValues_TransportError(t *testing.T) {
	cause := errors.New("connection reset")
	tr := &fakeTransport{respond: func() (*network.Response, error) { return nil, cause }}
	c := newTestCoordinator(t, time.Second, tr, &fakeStore{})
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)

	err := col.wait(t)
	assert.True(t, domain.HasCode(err, domain.CodeFailedToFetchValues))
	assert.ErrorIs(t, err, cause)
}

func TestFetchInitialValues_InvalidJSON(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusOK, "<html>")}
	store := &fakeStore{}
	c := newTestCoordinator(t, time.Second, tr, store)
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)

	assert.True(t, domain.HasCode(col.wait(t), domain.CodeFailedToFetchValues))
	assert.Empty(t, store.Saved())
}

func TestFetchInitialValues_TimeoutCompletesOnce(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{respond: func() (*network.Response, error) {
		<-release
		return &network.Response{StatusCode: http.StatusOK, Body: []byte(`{"has_updates": true}`)}, nil
	}}
	store := &fakeStore{}
	c := newTestCoordinator(t, 50*time.Millisecond, tr, store)
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)

	err := col.wait(t)
	assert.True(t, domain.HasCode(err, domain.CodeInitTimeoutExpired))
	assert.ErrorIs(t, err, domain.ErrInitTimeout)

	// Поздний ответ сети ничего не меняет
	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), col.calls.Load())
	assert.Empty(t, store.Saved())
	assert.Equal(t, int32(1), store.finalized.Load())
	assert.Equal(t, 0, c.InflightCount())
}

func TestFetchInitialValues_TimeoutDuringSaveIsIgnored(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusOK, `{"has_updates": true}`)}
	store := &fakeStore{entered: make(chan struct{}), release: make(chan struct{})}
	c := newTestCoordinator(t, 50*time.Millisecond, tr, store)
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)

	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("save was not started")
	}
	// Таймаут истекает, пока идет сохранение
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), col.calls.Load())
	assert.Equal(t, int32(0), store.finalized.Load())

	close(store.release)
	require.NoError(t, col.wait(t))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), col.calls.Load())
	assert.Equal(t, int32(1), store.finalized.Load())
	require.Len(t, store.Saved(), 1)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NoError(t, store.saveErrs[0])
}

func TestFetchInitialValues_SecondFetchCancelsFirst(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCoordinator(t, 0, tr, &fakeStore{})
	first, second := newCollector(), newCollector()
	user := domain.User{UserID: "u1", CustomIDs: map[string]string{"companyID": "c1"}}

	c.FetchInitialValues(context.Background(), user, 0, nil, "", first.complete)
	require.Eventually(t, func() bool { return tr.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.FetchInitialValues(context.Background(), user, 0, nil, "", second.complete)

	err := first.wait(t)
	assert.True(t, domain.HasCode(err, domain.CodeFailedToFetchValues))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.InflightCount())
	assert.Equal(t, int32(0), second.calls.Load())

	c.CancelAll()
	second.wait(t)
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
}

func TestFetchInitialValues_InflightMapReset(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCoordinator(t, 0, tr, &fakeStore{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := range maxInflightEntries + 1 {
		c.FetchInitialValues(ctx, domain.User{UserID: fmt.Sprintf("u%d", i)}, 0, nil, "", nil)
	}
	assert.Equal(t, maxInflightEntries+1, c.InflightCount())

	c.FetchInitialValues(ctx, domain.User{UserID: "overflow"}, 0, nil, "", nil)
	assert.Equal(t, 1, c.InflightCount())
}

func TestFetchInitialValues_SerializationFailure(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusOK, `{}`)}
	c := newTestCoordinator(t, time.Second, tr, &fakeStore{})
	col := newCollector()

	user := domain.User{UserID: "u1", Custom: map[string]any{"bad": make(chan int)}}
	c.FetchInitialValues(context.Background(), user, 0, nil, "", col.complete)

	err := col.wait(t)
	assert.True(t, domain.HasCode(err, domain.CodeInvalidRequestBody))
	assert.ErrorIs(t, err, domain.ErrInvalidJSONParam)
	assert.Equal(t, int32(0), tr.calls.Load())
}

func TestFetchInitialValues_HashingDisabled(t *testing.T) {
	tr := &fakeTransport{respond: jsonResponse(http.StatusNoContent, "")}
	opts := infra.DefaultOptions()
	opts.SDKKey = "client-key"
	opts.DisableHashing = true
	c := NewCoordinator(opts, tr, &fakeStore{}, staticMeta{}, nil, zaptest.NewLogger(t))
	col := newCollector()

	c.FetchInitialValues(context.Background(), domain.User{UserID: "u1"}, 0, nil, "", col.complete)
	require.NoError(t, col.wait(t))
	assert.Equal(t, "none", tr.lastBody(t)["hash"])
	_, hasChecksum := tr.lastBody(t)["full_checksum"]
	assert.False(t, hasChecksum)
}

func TestFetchUpdatedValues(t *testing.T) {
	t.Run("saves when has_updates", func(t *testing.T) {
		tr := &fakeTransport{respond: jsonResponse(http.StatusOK, `{"has_updates": true, "time": 20}`)}
		store := &fakeStore{}
		c := newTestCoordinator(t, 0, tr, store)
		col := newCollector()

		c.FetchUpdatedValues(context.Background(), domain.User{UserID: "u1"}, 10, nil, "", col.complete)
		require.NoError(t, col.wait(t))
		assert.Len(t, store.Saved(), 1)
		assert.Equal(t, float64(10), tr.lastBody(t)["lastSyncTimeForUser"])
	})

	t.Run("skips save without updates", func(t *testing.T) {
		tr := &fakeTransport{respond: jsonResponse(http.StatusOK, `{"has_updates": false}`)}
		store := &fakeStore{}
		c := newTestCoordinator(t, 0, tr, store)
		col := newCollector()

		c.FetchUpdatedValues(context.Background(), domain.User{UserID: "u1"}, 10, nil, "", col.complete)
		require.NoError(t, col.wait(t))
		assert.Empty(t, store.Saved())
		assert.Equal(t, int32(1), store.finalized.Load())
	})

	t.Run("error status", func(t *testing.T) {
		tr := &fakeTransport{respond: jsonResponse(http.StatusBadGateway, "")}
		c := newTestCoordinator(t, 0, tr, &fakeStore{})
		col := newCollector()

		c.FetchUpdatedValues(context.Background(), domain.User{UserID: "u1"}, 10, nil, "", col.complete)
		assert.True(t, domain.HasCode(col.wait(t), domain.CodeFailedToFetchValues))
	})
}
