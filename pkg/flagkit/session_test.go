package flagkit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/flagkit/internal/devserver"
	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

const testKey = "client-key"

func testCatalog() devserver.Catalog {
	return devserver.Catalog{
		Gates:   map[string]devserver.GateRule{"new_checkout": {Value: true, RuleID: "r1"}},
		Configs: map[string]devserver.ConfigRule{"pricing": {Value: map[string]any{"tier": "gold"}, GroupName: "test"}},
		Layers: map[string]devserver.LayerRule{"ui": {
			Value:                   map[string]any{"color": "red", "size": "xl"},
			AllocatedExperimentName: "ui_exp",
			ExplicitParameters:      []string{"color"},
		}},
	}
}

func startDevServer(t *testing.T) (*devserver.Server, string) {
	t.Helper()
	srv := devserver.NewServer(devserver.Config{APIKey: testKey, Catalog: testCatalog()}, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func optionsFor(baseURL string) Options {
	opts := DefaultOptions()
	opts.InitializeURL = baseURL + "/v1/initialize"
	opts.EventLoggingURL = baseURL + "/v1/rgstr"
	opts.InitTimeout = 2 * time.Second
	return opts
}

func newTestSession(t *testing.T, baseURL string, user User, kv repository.Store) *Session {
	t.Helper()
	s, err := New(context.Background(), testKey, user, optionsFor(baseURL),
		WithStore(kv),
		WithLogger(zaptest.NewLogger(t)),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func flushAndWait(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	s.Flush(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}
}

func TestSession_EvaluatesAndLogsExposures(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1"}, repository.NewMemoryStore())

	// До Initialize значений нет
	assert.False(t, s.CheckGate("new_checkout"))
	require.NoError(t, s.Initialize(context.Background()))

	assert.True(t, s.CheckGate("new_checkout"))
	assert.True(t, s.CheckGate("new_checkout"))

	cfg := s.GetConfig("pricing")
	assert.Equal(t, "gold", cfg.Value["tier"])
	assert.Equal(t, domain.ReasonNetwork, cfg.Details.Reason)

	color, ok := s.GetLayerValue("ui", "color")
	require.True(t, ok)
	assert.Equal(t, "red", color)
	_, ok = s.GetLayerValue("ui", "missing")
	assert.False(t, ok)

	require.NoError(t, s.Shutdown(context.Background()))

	names := srv.EventNames()
	count := func(name string) int {
		n := 0
		for _, got := range names {
			if got == name {
				n++
			}
		}
		return n
	}
	// До Initialize гейт был Uninitialized: это другой ключ дедупликации
	assert.Equal(t, 2, count(domain.EventGateExposure))
	assert.Equal(t, 1, count(domain.EventConfigExposure))
	assert.Equal(t, 1, count(domain.EventLayerExposure))
}

func TestSession_LayerExposureMetadata(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1"}, repository.NewMemoryStore())
	require.NoError(t, s.Initialize(context.Background()))

	s.GetLayerValue("ui", "color")
	s.GetLayerValue("ui", "size")
	require.NoError(t, s.Shutdown(context.Background()))

	var layers []map[string]any
	for _, b := range srv.Batches() {
		for _, e := range b.Events {
			if e["eventName"] == domain.EventLayerExposure {
				layers = append(layers, e["metadata"].(map[string]any))
			}
		}
	}
	require.Len(t, layers, 2)
	assert.Equal(t, "ui_exp", layers[0]["allocatedExperiment"])
	assert.Equal(t, "true", layers[0]["isExplicitParameter"])
	assert.Equal(t, "", layers[1]["allocatedExperiment"])
	assert.Equal(t, "false", layers[1]["isExplicitParameter"])
}

func TestSession_NonExposedChecks(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1"}, repository.NewMemoryStore())
	require.NoError(t, s.Initialize(context.Background()))

	assert.True(t, s.CheckGateWithExposureLoggingDisabled("new_checkout"))
	s.CheckGateWithExposureLoggingDisabled("new_checkout")
	flushAndWait(t, s)

	assert.Equal(t, []string{domain.EventNonExposedChecks}, srv.EventNames())
	meta := srv.Batches()[0].Events[0]["metadata"].(map[string]any)
	assert.JSONEq(t, `{"new_checkout": 2}`, meta["checks"].(string))
}

func TestSession_LogEvent(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1", PrivateAttributes: map[string]any{"secret": 1}}, repository.NewMemoryStore())

	s.LogEvent("purchase", 9.99, map[string]string{"sku": "abc"})
	flushAndWait(t, s)

	batches := srv.Batches()
	require.Len(t, batches, 1)
	e := batches[0].Events[0]
	assert.Equal(t, "purchase", e["eventName"])
	assert.Equal(t, 9.99, e["value"])
	assert.Equal(t, map[string]any{"sku": "abc"}, e["metadata"])
	assert.NotContains(t, batches[0].User, "privateAttributes")
	assert.Equal(t, "go-client", batches[0].Metadata["sdkType"])
}

func TestSession_FailedEventsRetriedByNextSession(t *testing.T) {
	srv, url := startDevServer(t)
	kv := repository.NewMemoryStore()

	first := newTestSession(t, url, User{UserID: "u1"}, kv)
	srv.FailNext(4)
	first.LogEvent("offline_event", nil, nil)
	flushAndWait(t, first)
	require.NoError(t, first.Shutdown(context.Background()))

	stored, err := kv.GetList(context.Background(), infra.FailedLogsKey(testKey))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, srv.EventNames(), "offline_event")

	second := newTestSession(t, url, User{UserID: "u1"}, kv)
	require.NoError(t, second.Initialize(context.Background()))
	require.NoError(t, second.Shutdown(context.Background()))

	assert.Contains(t, srv.EventNames(), "offline_event")
	stored, err = kv.GetList(context.Background(), infra.FailedLogsKey(testKey))
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSession_InitTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/initialize" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(ts.Close)

	opts := optionsFor(ts.URL)
	opts.InitTimeout = 50 * time.Millisecond
	s, err := New(context.Background(), testKey, User{UserID: "u1"}, opts,
		WithStore(repository.NewMemoryStore()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	err = s.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.CodeInitTimeoutExpired))
	assert.Equal(t, domain.ReasonUninitialized, s.GetConfig("pricing").Details.Reason)
}

func TestSession_CachedValuesSurviveRestart(t *testing.T) {
	_, url := startDevServer(t)
	kv := repository.NewMemoryStore()

	first := newTestSession(t, url, User{UserID: "u1"}, kv)
	require.NoError(t, first.Initialize(context.Background()))
	require.NoError(t, first.Shutdown(context.Background()))

	// Второй запуск без сети: значения из кэша
	second := newTestSession(t, "http://127.0.0.1:1", User{UserID: "u1"}, kv)
	gate := second.values.GetGate("new_checkout")
	assert.True(t, gate.Value)
	assert.Equal(t, domain.ReasonCache, gate.Details.Reason)
	assert.Equal(t, first.StableID(), second.StableID())
}

func TestSession_UpdateUser(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1"}, repository.NewMemoryStore())
	require.NoError(t, s.Initialize(context.Background()))

	s.CheckGate("new_checkout")
	require.NoError(t, s.UpdateUser(context.Background(), User{UserID: "u2"}))
	// Дедупликация сброшена: та же экспозиция пишется снова
	s.CheckGate("new_checkout")
	require.NoError(t, s.Shutdown(context.Background()))

	var users []string
	for _, b := range srv.Batches() {
		for _, e := range b.Events {
			if e["eventName"] == domain.EventGateExposure {
				users = append(users, e["user"].(map[string]any)["userID"].(string))
			}
		}
	}
	assert.Equal(t, []string{"u1", "u2"}, users)
}

func TestSession_Refresh(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1"}, repository.NewMemoryStore())
	require.NoError(t, s.Initialize(context.Background()))

	// Каталог не менялся: значения остаются прежними
	require.NoError(t, s.Refresh(context.Background()))
	assert.True(t, s.CheckGateWithExposureLoggingDisabled("new_checkout"))

	srv.SetCatalog(devserver.Catalog{Gates: map[string]devserver.GateRule{"new_checkout": {Value: false}}})
	require.NoError(t, s.Refresh(context.Background()))
	assert.False(t, s.CheckGateWithExposureLoggingDisabled("new_checkout"))
}

func TestSession_ShutdownIsFinal(t *testing.T) {
	srv, url := startDevServer(t)
	s := newTestSession(t, url, User{UserID: "u1"}, repository.NewMemoryStore())

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	assert.ErrorIs(t, s.Initialize(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, s.UpdateUser(context.Background(), User{UserID: "u2"}), ErrSessionClosed)
	s.LogEvent("late", nil, nil)
	assert.NotContains(t, srv.EventNames(), "late")
}

func TestNew_RequiresSDKKey(t *testing.T) {
	_, err := New(context.Background(), " ", User{}, DefaultOptions(), WithStore(repository.NewMemoryStore()))
	assert.ErrorIs(t, err, infra.ErrMissingSDKKey)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, closeMem, err := OpenStore(ctx, infra.StorageConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &repository.MemoryStore{}, mem)
	assert.NoError(t, closeMem())

	path := filepath.Join(t.TempDir(), "cache.json")
	fs, closeFile, err := OpenStore(ctx, infra.StorageConfig{Backend: BackendFile, FilePath: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, fs.Set(ctx, "k", []byte("v")))
	require.NoError(t, closeFile())
	assert.FileExists(t, path)

	_, _, err = OpenStore(ctx, infra.StorageConfig{Backend: "etcd"}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestDeleteLocalStorage(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryStore()
	require.NoError(t, kv.SetList(ctx, infra.FailedLogsKey(testKey), [][]byte{[]byte("batch")}))

	require.NoError(t, DeleteLocalStorage(ctx, kv, testKey))
	stored, err := kv.GetList(ctx, infra.FailedLogsKey(testKey))
	require.NoError(t, err)
	assert.Empty(t, stored)
}
