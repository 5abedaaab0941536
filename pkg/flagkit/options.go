package flagkit

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/metadata"
	"github.com/xela07ax/flagkit/internal/network"
	"github.com/xela07ax/flagkit/internal/repository"
)

type settings struct {
	store      repository.Store
	storage    infra.StorageConfig
	fallback   infra.FallbackConfig
	dns        network.DNSLookup
	httpClient *http.Client
	registerer prometheus.Registerer
	logger     *zap.Logger
	info       metadata.Info
}

// Option настраивает Session при создании.
type Option func(*settings)

// WithStore подставляет готовое хранилище. Закрывать его должен вызывающий код.
func WithStore(s repository.Store) Option {
	return func(o *settings) { o.store = s }
}

// WithStorage выбирает backend хранилища (memory, file, redis, postgres).
func WithStorage(cfg infra.StorageConfig) Option {
	return func(o *settings) { o.storage = cfg }
}

func WithFallback(cfg infra.FallbackConfig) Option {
	return func(o *settings) { o.fallback = cfg }
}

// WithDNSLookup заменяет DoH-клиент поиска запасных доменов.
func WithDNSLookup(l network.DNSLookup) Option {
	return func(o *settings) { o.dns = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *settings) { o.httpClient = c }
}

// WithRegisterer регистрирует метрики SDK в переданном реестре.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *settings) { o.registerer = reg }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *settings) { o.logger = l }
}

// WithAppInfo задает сведения о приложении для метаданных запросов.
func WithAppInfo(info metadata.Info) Option {
	return func(o *settings) { o.info = info }
}
