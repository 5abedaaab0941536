package network

/*
Service доставляет один логический запрос с ограниченным числом повторов
и переключением на запасной домен.

Порядок выбора URL: явный override из опций, затем активный запасной хост,
затем хост по умолчанию. Повторяем сразу (без задержки) при статусах из
retryableStatuses; при проблемах связности без override запрашиваем у
FallbackResolver новый хост и повторяем на нем.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/flagkit/internal/boundary"
	"github.com/xela07ax/flagkit/internal/codec"
	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/metadata"
)

// SDKFlags — серверные флаги из кэша значений.
type SDKFlags interface {
	SDKFlagBool(name string) bool
}

const flagEnableLogEventCompression = "enable_log_event_compression"

type Service struct {
	opts     infra.Options
	client   *http.Client
	fallback *FallbackResolver
	flags    SDKFlags

	reporter boundary.Reporter
	metrics  *infra.Metrics
	logger   *zap.Logger
}

func NewService(
	opts infra.Options,
	client *http.Client,
	fallback *FallbackResolver,
	flags SDKFlags,
	reporter boundary.Reporter,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *Service {
	opts = opts.WithDefaults()
	if client == nil {
		client = NewHTTPClient(opts.RequestTimeout)
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Service{
		opts:     opts,
		client:   client,
		fallback: fallback,
		flags:    flags,
		reporter: reporter,
		metrics:  metrics,
		logger:   logger.Named("network"),
	}
}

func (s *Service) overrideURL(e Endpoint) string {
	switch e {
	case EndpointInitialize:
		return s.opts.InitializeURL
	case EndpointLogEvent:
		return s.opts.EventLoggingURL
	}
	return ""
}

func (s *Service) defaultURL(e Endpoint) string {
	host := s.opts.APIHost
	if e == EndpointLogEvent {
		host = s.opts.EventHost
	}
	return host + string(e)
}

// URLForEndpoint: override -> активный fallback -> хост по умолчанию.
func (s *Service) URLForEndpoint(e Endpoint) (string, error) {
	raw := s.overrideURL(e)
	if raw == "" && s.fallback != nil {
		raw, _ = s.fallback.ActiveFallbackURL(e)
	}
	if raw == "" {
		raw = s.defaultURL(e)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", domain.NewClientError(domain.CodeInvalidRequestURL, "invalid url for "+e.Label(), err)
	}
	return u.String(), nil
}

// Send отправляет тело на эндпоинт. Ошибка возвращается только если ответа нет
// совсем (транспорт, отмена, неверный URL); не-2xx статус приходит в Response.
func (s *Service) Send(ctx context.Context, e Endpoint, body []byte, encoding string) (*Response, error) {
	target, err := s.URLForEndpoint(e)
	if err != nil {
		return nil, err
	}

	headers := requestHeaders{
		apiKey:     s.opts.SDKKey,
		sdkType:    metadata.SDKType,
		sdkVersion: metadata.SDKVersion,
		encoding:   encoding,
	}

	maxAttempts := retryLimits[e] + 1
	var (
		attempt uint
		resp    *Response
	)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		// Повторы мгновенные: задержку дает сам сетевой таймаут
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return 0
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if attempt >= maxAttempts || ctx.Err() != nil {
				return false
			}

			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				if !statusErr.Retryable() {
					return false
				}
				s.metrics.Retries.WithLabelValues(e.Label(), "status").Inc()
				return true
			}

			if !IsDomainFailure(err) || s.overrideURL(e) != "" || s.fallback == nil {
				return false
			}
			if !s.fallback.TryFetchUpdatedFallbackInfo(ctx, e, target) {
				return false
			}
			next, ok := s.fallback.ActiveFallbackURL(e)
			if !ok {
				return false
			}
			target = next
			s.metrics.Retries.WithLabelValues(e.Label(), "fallback").Inc()
			return true
		}),
	)

	err = r.Do(func() error {
		attempt++
		resp = nil

		res, callErr := doPost(ctx, s.client, target, body, headers)
		if callErr != nil {
			s.metrics.Requests.WithLabelValues(e.Label(), "error").Inc()
			s.logger.Debug("request failed", zap.String("url", target), zap.Uint("attempt", attempt), zap.Error(callErr))
			return callErr
		}
		resp = res
		s.metrics.Requests.WithLabelValues(e.Label(), strconv.Itoa(res.StatusCode)).Inc()

		if res.OK() {
			if s.fallback != nil {
				s.fallback.TryBumpExpiryTime(ctx, e)
			}
			return nil
		}
		return &StatusError{Endpoint: e, StatusCode: res.StatusCode}
	})

	var statusErr *StatusError
	if err != nil && !(resp != nil && errors.As(err, &statusErr)) {
		return nil, err
	}
	return resp, nil
}

// TryCompress сжимает тело событий, если это разрешено. Ошибка сжатия
// уходит в диагностику, тело отправляется как есть.
func (s *Service) TryCompress(body []byte) ([]byte, string) {
	if codec.Disabled() || s.opts.DisableCompression {
		return body, ""
	}
	if s.opts.EventLoggingURL != "" && (s.flags == nil || !s.flags.SDKFlagBool(flagEnableLogEventCompression)) {
		return body, ""
	}

	compressed, err := codec.Gzip(body)
	if err != nil {
		s.reporter.LogException(boundary.TagCompressionGzip, err)
		return body, ""
	}
	return compressed, codec.ContentEncodingGzip
}

// SendEvents отправляет один батч. Возвращает ошибку с текстом для log_event_failed.
func (s *Service) SendEvents(ctx context.Context, uncompressed []byte) error {
	body, encoding := s.TryCompress(uncompressed)

	resp, err := s.Send(ctx, EndpointLogEvent, body, encoding)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("an error occurred during sending events to server: %w",
			&StatusError{Endpoint: EndpointLogEvent, StatusCode: resp.StatusCode})
	}
	return nil
}

// SendRequestsWithData параллельно отправляет сохраненные батчи.
// Возвращает исходные (несжатые) тела, которые не удалось доставить, в исходном порядке.
func (s *Service) SendRequestsWithData(ctx context.Context, batches [][]byte) [][]byte {
	// Каждая горутина пишет только свой индекс
	failed := make([]bool, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, data := range batches {
		g.Go(func() error {
			if err := s.SendEvents(gctx, data); err != nil {
				failed[i] = true
			}
			// Ошибка одного батча не отменяет остальные
			return nil
		})
	}
	_ = g.Wait()

	var out [][]byte
	for i, f := range failed {
		if f {
			out = append(out, batches[i])
		}
	}
	return out
}

// PrepareEventRequestBody — тело /v1/rgstr.
func PrepareEventRequestBody(user domain.User, events []domain.Event, meta map[string]string) ([]byte, error) {
	if events == nil {
		events = []domain.Event{}
	}
	data, err := json.Marshal(map[string]any{
		"events":   events,
		"user":     user.ToMap(true),
		"metadata": meta,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidJSONParam, err)
	}
	return data, nil
}
