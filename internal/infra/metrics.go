package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Network: попытки запросов по эндпоинту и статусу
	Requests *prometheus.CounterVec

	// Retries: повторы по причине (status, fallback)
	Retries *prometheus.CounterVec

	// Fallback: переключения на запасной домен
	FallbackSwitches *prometheus.CounterVec

	// Events: судьба событий (logged, deduped, dropped)
	Events *prometheus.CounterVec

	// Flushes: результат флаша (empty, sent, failed, disabled, unserializable)
	Flushes *prometheus.CounterVec

	// FailedBatchBytes: сколько байт лежит в очереди неотправленных батчей (backpressure)
	FailedBatchBytes prometheus.Gauge

	// Fetches: результат initialize/update запросов
	Fetches *prometheus.CounterVec

	// Diagnostics: ошибки, ушедшие в error boundary
	Diagnostics *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_requests_total",
			Help: "Total number of HTTP attempts by endpoint and status code.",
		}, []string{"endpoint", "status"}),

		Retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_request_retries_total",
			Help: "Total number of request retries by endpoint and reason.",
		}, []string{"endpoint", "reason"}),

		FallbackSwitches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_fallback_switches_total",
			Help: "Total number of switches to a fallback host.",
		}, []string{"endpoint"}),

		Events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_events_total",
			Help: "Events seen by the event logger by outcome.",
		}, []string{"outcome"}),

		Flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_flushes_total",
			Help: "Event logger flushes by result.",
		}, []string{"result"}),

		FailedBatchBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_failed_batch_bytes",
			Help: "Bytes of event batches waiting for retry.",
		}),

		Fetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_fetches_total",
			Help: "Initialize and update fetches by kind and result.",
		}, []string{"kind", "result"}),

		Diagnostics: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_diagnostics_total",
			Help: "Non-fatal internal failures by tag.",
		}, []string{"tag"}),
	}
}
