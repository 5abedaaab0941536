package boundary

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/infra"
)

// Теги диагностики.
const (
	TagCompressionGzip = "network_compression_gzip"
	TagFallbackLookup  = "network_fallback_lookup"
	TagStorage         = "storage"
	TagEventSerialize  = "event_logger_serialize"
)

// Reporter — канал диагностики для некритичных внутренних ошибок.
// Ошибки, ушедшие сюда, никогда не всплывают к вызывающему коду.
type Reporter interface {
	LogException(tag string, err error)
}

// ErrorBoundary пишет ошибку в лог и метрику. Одна и та же пара
// (tag, сообщение) логируется один раз, счетчик растет всегда.
type ErrorBoundary struct {
	logger  *zap.Logger
	metrics *infra.Metrics

	mu   sync.Mutex
	seen map[string]struct{}
}

func New(logger *zap.Logger, metrics *infra.Metrics) *ErrorBoundary {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &ErrorBoundary{
		logger:  logger.With(zap.String("mod", "boundary")),
		metrics: metrics,
		seen:    make(map[string]struct{}),
	}
}

func (b *ErrorBoundary) LogException(tag string, err error) {
	if err == nil {
		return
	}
	b.metrics.Diagnostics.WithLabelValues(tag).Inc()

	key := tag + "|" + err.Error()
	b.mu.Lock()
	_, dup := b.seen[key]
	if !dup {
		b.seen[key] = struct{}{}
	}
	b.mu.Unlock()

	if dup {
		return
	}
	b.logger.Warn("internal failure", zap.String("tag", tag), zap.Error(err))
}

// Nop глотает все ошибки. Для тестов и опциональных зависимостей.
type Nop struct{}

func (Nop) LogException(string, error) {}
