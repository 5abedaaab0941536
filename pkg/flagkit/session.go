package flagkit

/*
Session — публичная точка входа SDK. Владеет кэшем значений, координатором
загрузки и логгером событий; освобождает их в Shutdown.

Горячий путь (CheckGate/GetConfig/GetLayerValue) читает только RAM-кэш и
ставит экспозицию в очередь логгера без блокировки.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/boundary"
	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/evalcache"
	"github.com/xela07ax/flagkit/internal/eventlog"
	"github.com/xela07ax/flagkit/internal/fetch"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/metadata"
	"github.com/xela07ax/flagkit/internal/network"
)

type (
	User          = domain.User
	Options       = infra.Options
	FeatureGate   = domain.FeatureGate
	DynamicConfig = domain.DynamicConfig
	Layer         = domain.Layer
	ClientError   = domain.ClientError
)

var ErrSessionClosed = domain.ErrSessionClosed

// DefaultOptions — опции по умолчанию.
func DefaultOptions() Options {
	return infra.DefaultOptions()
}

type Session struct {
	opts       Options
	closeStore func() error

	meta        *metadata.Provider
	values      *evalcache.Store
	coordinator *fetch.Coordinator
	events      *eventlog.EventLogger

	logger *zap.Logger

	mu     sync.RWMutex
	user   domain.User
	closed atomic.Bool
}

// New собирает сессию и поднимает значения пользователя из кэша.
// Сеть не трогает: для загрузки значений вызовите Initialize.
func New(ctx context.Context, sdkKey string, user User, opts Options, options ...Option) (*Session, error) {
	// 1. Опции
	opts.SDKKey = sdkKey
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	st := settings{}
	for _, o := range options {
		o(&st)
	}
	if st.logger == nil {
		st.logger = zap.NewNop()
	}
	logger := st.logger.Named("flagkit")

	// 2. Хранилище
	kv, closeStore := st.store, func() error { return nil }
	if kv == nil {
		var err error
		kv, closeStore, err = OpenStore(ctx, st.storage, logger)
		if err != nil {
			return nil, err
		}
	}

	// 3. Инфраструктура
	metrics := infra.NewMetrics(st.registerer)
	reporter := boundary.New(logger, metrics)

	meta, err := metadata.NewProvider(ctx, kv, st.info, opts.OverrideStableID, logger)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("metadata: %w", err)
	}

	// 4. Сеть
	fallbackCfg := st.fallback.WithDefaults()
	client := st.httpClient
	if client == nil {
		client = network.NewHTTPClient(opts.RequestTimeout)
	}
	dns := st.dns
	if dns == nil {
		dns = network.NewDoHLookup(fallbackCfg.DoHEndpoint, client)
	}

	values := evalcache.NewStore(kv, logger)
	resolver := network.NewFallbackResolver(ctx, sdkKey, kv, dns, fallbackCfg, reporter, metrics, logger)
	svc := network.NewService(opts, client, resolver, values, reporter, metrics, logger)

	// 5. Ядро
	s := &Session{
		opts:        opts,
		closeStore:  closeStore,
		meta:        meta,
		values:      values,
		coordinator: fetch.NewCoordinator(opts, svc, values, meta, metrics, logger),
		events:      eventlog.New(ctx, opts, user, svc, meta, kv, reporter, metrics, logger),
		logger:      logger,
		user:        user,
	}

	if err := values.LoadCacheForUser(ctx, domain.NewUserCacheKey(sdkKey, user)); err != nil {
		logger.Warn("failed to load cached values", zap.Error(err))
	}
	return s, nil
}

// Initialize запускает периодический флаш, досылает сохраненные события
// и блокируется до загрузки значений (или таймаута InitTimeout).
func (s *Session) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	if s.opts.EventLoggingEnabled {
		if err := s.events.Start(s.opts.FlushInterval); err != nil {
			return err
		}
	}
	s.events.RetryFailedRequests(nil)

	return s.fetchInitial(ctx, s.currentUser())
}

// UpdateUser переключает сессию на другого пользователя и загружает его значения.
func (s *Session) UpdateUser(ctx context.Context, user User) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	// События старого пользователя уходят до смены пользователя в логгере
	s.events.Flush(false, nil)
	s.events.ClearExposuresDedupe()
	s.events.SetUser(user)

	if err := s.values.LoadCacheForUser(ctx, domain.NewUserCacheKey(s.opts.SDKKey, user)); err != nil {
		s.logger.Warn("failed to load cached values", zap.Error(err))
	}

	err := s.fetchInitial(ctx, user)
	s.events.RetryFailedRequests(nil)
	return err
}

// Refresh запрашивает изменения с момента последней синхронизации.
func (s *Session) Refresh(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	done := make(chan error, 1)
	s.coordinator.FetchUpdatedValues(ctx, s.currentUser(), s.values.SinceTime(),
		s.values.PreviousDerivedFields(), s.values.FullChecksum(), func(err error) { done <- err })
	return <-done
}

func (s *Session) fetchInitial(ctx context.Context, user domain.User) error {
	done := make(chan error, 1)
	s.coordinator.FetchInitialValues(ctx, user, s.values.SinceTime(),
		s.values.PreviousDerivedFields(), s.values.FullChecksum(), func(err error) { done <- err })
	return <-done
}

// CheckGate возвращает значение гейта и логирует экспозицию.
func (s *Session) CheckGate(name string) bool {
	return s.GetFeatureGate(name).Value
}

// GetFeatureGate — гейт целиком, с правилом и деталями вычисления.
func (s *Session) GetFeatureGate(name string) FeatureGate {
	g := s.values.GetGate(name)
	if s.closed.Load() {
		return g
	}

	e, key := gateExposure(s.currentUser(), g)
	s.events.Log(e, &key)
	return g
}

// CheckGateWithExposureLoggingDisabled не пишет экспозицию, только считает проверку.
func (s *Session) CheckGateWithExposureLoggingDisabled(name string) bool {
	g := s.values.GetGate(name)
	if !s.closed.Load() {
		s.events.IncrementNonExposedCheck(name)
	}
	return g.Value
}

func (s *Session) GetConfig(name string) DynamicConfig {
	c := s.values.GetConfig(name)
	if s.closed.Load() {
		return c
	}

	e, key := configExposure(s.currentUser(), c)
	s.events.Log(e, &key)
	return c
}

func (s *Session) GetConfigWithExposureLoggingDisabled(name string) DynamicConfig {
	c := s.values.GetConfig(name)
	if !s.closed.Load() {
		s.events.IncrementNonExposedCheck(name)
	}
	return c
}

// GetLayer возвращает слой без экспозиции: она пишется при чтении параметра.
func (s *Session) GetLayer(name string) Layer {
	return s.values.GetLayer(name)
}

// GetLayerValue читает параметр слоя. Экспозиция пишется, только если параметр есть.
func (s *Session) GetLayerValue(layerName, param string) (any, bool) {
	l := s.values.GetLayer(layerName)
	v, ok := l.Value[param]
	if !ok || s.closed.Load() {
		return v, ok
	}

	e, key := layerExposure(s.currentUser(), l, param)
	s.events.Log(e, &key)
	return v, true
}

// LogEvent ставит пользовательское событие в очередь.
func (s *Session) LogEvent(name string, value any, meta map[string]string) {
	if s.closed.Load() {
		return
	}
	user := s.currentUser()
	s.events.Log(domain.NewEvent(&user, name, value, meta), nil)
}

// Flush отправляет очередь событий. completion может быть nil.
func (s *Session) Flush(completion func()) {
	if s.closed.Load() {
		if completion != nil {
			go completion()
		}
		return
	}
	s.events.Flush(false, completion)
}

// RetryFailedRequests досылает сохраненные батчи.
func (s *Session) RetryFailedRequests(completion func()) {
	s.events.RetryFailedRequests(completion)
}

// StableID — идентификатор устройства, переживающий рестарты.
func (s *Session) StableID() string {
	return s.meta.StableID()
}

// Shutdown отменяет загрузки, делает финальный флаш с сохранением
// неотправленного и закрывает хранилище. Повторный вызов — no-op.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	s.coordinator.CancelAll()
	stopErr := s.events.Stop(ctx, true, nil)

	if err := s.closeStore(); err != nil {
		s.logger.Warn("failed to close store", zap.Error(err))
		if stopErr == nil {
			stopErr = err
		}
	}
	return stopErr
}

func (s *Session) currentUser() domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}
