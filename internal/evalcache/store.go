package evalcache

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

// SDK-флаги, которые сервер может выставить в ответе initialize.
const FlagEnableLogEventCompression = "enable_log_event_compression"

// Store — in-memory кэш вычисленных значений текущего пользователя.
// Hot path (CheckGate/GetConfig) работает только с RAM; KV-хранилище
// используется для холодного старта и переживания рестартов.
type Store struct {
	mu sync.RWMutex

	kv     repository.Store
	logger *zap.Logger

	cacheKey domain.UserCacheKey
	values   *cachedValues
	reason   domain.EvaluationReason
	loading  bool
}

func NewStore(kv repository.Store, logger *zap.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.Named("evalcache"),
		reason: domain.ReasonUninitialized,
	}
}

// LoadCacheForUser переключает стор на пользователя и поднимает его значения из KV.
func (s *Store) LoadCacheForUser(ctx context.Context, cacheKey domain.UserCacheKey) error {
	var cached cachedValues
	found, err := repository.GetJSON(ctx, s.kv, infra.ValuesCacheKey(cacheKey), &cached)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cacheKey = cacheKey
	s.loading = true
	s.values = nil
	s.reason = domain.ReasonUninitialized

	if err != nil {
		// Битый кэш равен отсутствию кэша
		s.logger.Warn("failed to load cached values", zap.Error(err))
		return nil
	}
	if found {
		s.values = &cached
		s.reason = domain.ReasonCache
	}
	return nil
}

// SaveValues применяет ответ сервера. has_updates=false не трогает значения,
// а только помечает их как подтвержденные сетью.
func (s *Store) SaveValues(ctx context.Context, raw map[string]any, cacheKey domain.UserCacheKey, userHash string) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidJSONParam, err)
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode values: %w", err)
	}

	if !payload.HasUpdates {
		s.mu.Lock()
		if s.cacheKey == cacheKey && s.values != nil {
			s.reason = domain.ReasonNetworkNotModified
		}
		s.mu.Unlock()
		return nil
	}

	cached := cachedValues{
		Payload:    payload,
		ReceivedAt: time.Now().UnixMilli(),
		UserHash:   userHash,
	}
	if err := repository.SetJSON(ctx, s.kv, infra.ValuesCacheKey(cacheKey), cached); err != nil {
		s.logger.Warn("failed to persist values", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Ответ мог прийти для пользователя, который уже сменился: только сохраняем
	if s.cacheKey != cacheKey {
		return nil
	}
	s.values = &cached
	s.reason = domain.ReasonNetwork
	return nil
}

// FinalizeValues завершает цикл загрузки. Значения из кэша остаются как есть.
func (s *Store) FinalizeValues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
}

func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

func (s *Store) Reason() domain.EvaluationReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// SinceTime — время последней синхронизации для инкрементальных запросов.
func (s *Store) SinceTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values == nil {
		return 0
	}
	return s.values.Payload.Time
}

func (s *Store) PreviousDerivedFields() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values == nil || s.values.Payload.DerivedFields == nil {
		return map[string]string{}
	}
	return maps.Clone(s.values.Payload.DerivedFields)
}

func (s *Store) FullChecksum() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values == nil {
		return ""
	}
	return s.values.Payload.FullChecksum
}

// SDKFlagBool — true только если сервер явно прислал флаг = true.
func (s *Store) SDKFlagBool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values == nil {
		return false
	}
	v, ok := s.values.Payload.SDKFlags[name].(bool)
	return ok && v
}

func (s *Store) details(found bool) domain.EvaluationDetails {
	d := domain.EvaluationDetails{Reason: s.reason}
	if s.values != nil {
		d.ConfigSyncTime = s.values.Payload.Time
		d.ReceivedAt = s.values.ReceivedAt
		if !found {
			d.Reason = domain.ReasonUnrecognized
		}
	}
	return d
}

// lookup ищет сначала по захэшированному имени, затем по исходному.
func lookup[T any](m map[string]T, name, hashUsed string) (T, bool) {
	if hashUsed != "none" {
		if v, ok := m[domain.DJB2(name)]; ok {
			return v, true
		}
	}
	v, ok := m[name]
	return v, ok
}

func (s *Store) GetGate(name string) domain.FeatureGate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := domain.FeatureGate{Name: name}
	var spec gateSpec
	found := false
	if s.values != nil {
		spec, found = lookup(s.values.Payload.FeatureGates, name, s.values.Payload.HashUsed)
	}
	if found {
		g.Value = spec.Value
		g.RuleID = spec.RuleID
		g.SecondaryExposures = spec.SecondaryExposures
	}
	g.Details = s.details(found)
	return g
}

func (s *Store) GetConfig(name string) domain.DynamicConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := domain.DynamicConfig{Name: name, Value: map[string]any{}}
	var spec configSpec
	found := false
	if s.values != nil {
		spec, found = lookup(s.values.Payload.DynamicConfigs, name, s.values.Payload.HashUsed)
	}
	if found {
		if spec.Value != nil {
			c.Value = spec.Value
		}
		c.RuleID = spec.RuleID
		c.GroupName = spec.GroupName
		c.SecondaryExposures = spec.SecondaryExposures
	}
	c.Details = s.details(found)
	return c
}

func (s *Store) GetLayer(name string) domain.Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := domain.Layer{Name: name, Value: map[string]any{}}
	var spec layerSpec
	found := false
	if s.values != nil {
		spec, found = lookup(s.values.Payload.LayerConfigs, name, s.values.Payload.HashUsed)
	}
	if found {
		if spec.Value != nil {
			l.Value = spec.Value
		}
		l.RuleID = spec.RuleID
		l.AllocatedExperimentName = spec.AllocatedExperimentName
		l.ExplicitParameters = spec.ExplicitParameters
		l.SecondaryExposures = spec.SecondaryExposures
		l.UndelegatedSecondaryExposures = spec.UndelegatedSecondaryExposures
	}
	l.Details = s.details(found)
	return l
}
