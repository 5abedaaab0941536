package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/network"
)

// ValuesStore принимает ответы initialize.
type ValuesStore interface {
	SaveValues(ctx context.Context, raw map[string]any, cacheKey domain.UserCacheKey, userHash string) error
	FinalizeValues()
}

// Transport — отправка одного логического запроса.
type Transport interface {
	Send(ctx context.Context, e network.Endpoint, body []byte, encoding string) (*network.Response, error)
}

type MetadataSource interface {
	Snapshot() map[string]string
}

// Coordinator загружает значения для пользователя: один in-flight запрос на
// ключ пользователя, таймаут и ровно один вызов completion.
type Coordinator struct {
	opts      infra.Options
	transport Transport
	store     ValuesStore
	meta      MetadataSource
	inflight  *inflightRequests

	metrics *infra.Metrics
	logger  *zap.Logger
}

func NewCoordinator(
	opts infra.Options,
	transport Transport,
	store ValuesStore,
	meta MetadataSource,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Coordinator{
		opts:      opts,
		transport: transport,
		store:     store,
		meta:      meta,
		inflight:  newInflightRequests(),
		metrics:   metrics,
		logger:    logger.Named("fetch"),
	}
}

// FetchInitialValues не блокирует: результат приходит в completion ровно один раз.
func (c *Coordinator) FetchInitialValues(
	ctx context.Context,
	user domain.User,
	sinceTime int64,
	previousDerivedFields map[string]string,
	fullChecksum string,
	completion func(error),
) {
	if completion == nil {
		completion = func(error) {}
	}

	// 1. Ключ пользователя и last-caller-wins для in-flight запроса
	cacheKey := domain.NewUserCacheKey(c.opts.SDKKey, user)
	reqCtx, cancel := context.WithCancel(ctx)
	handle := c.inflight.replace(cacheKey.V2, cancel)

	// 2. Единая точка завершения: таймаут, сеть и отмена гонятся за once
	var once oneShot
	finish := func(err error) {
		c.inflight.remove(cacheKey.V2, handle)
		cancel()

		result := "ok"
		if err != nil {
			result = "error"
			if domain.HasCode(err, domain.CodeInitTimeoutExpired) {
				result = "timeout"
			}
		}
		c.metrics.Fetches.WithLabelValues("initialize", result).Inc()

		c.store.FinalizeValues()
		completion(err)
	}
	done := func(err error) {
		if !once.fire() {
			return
		}
		finish(err)
	}

	// 3. Тело запроса
	body, err := c.buildBody(user, map[string]any{"sinceTime": sinceTime}, previousDerivedFields, fullChecksum)
	if err != nil {
		done(err)
		return
	}

	// 4. Таймаут
	var timer *time.Timer
	if c.opts.InitTimeout > 0 {
		timer = time.AfterFunc(c.opts.InitTimeout, func() {
			done(domain.NewClientError(domain.CodeInitTimeoutExpired, "", domain.ErrInitTimeout))
		})
	}

	userHash := user.FullHash()

	// 5. Сеть
	go func() {
		if timer != nil {
			defer timer.Stop()
		}

		resp, err := c.transport.Send(reqCtx, network.EndpointInitialize, body, "")
		if err != nil {
			done(domain.NewClientError(domain.CodeFailedToFetchValues, "failed to fetch values", err))
			return
		}
		if !resp.OK() {
			done(domain.NewClientError(domain.CodeFailedToFetchValues,
				fmt.Sprintf("an error occurred during fetching values for the user: status %d", resp.StatusCode), nil))
			return
		}

		values, err := decodeValues(resp)
		if err != nil {
			done(err)
			return
		}

		// Захватываем завершение до сохранения: если таймаут или отмена
		// уже сработали, поздний ответ игнорируем; иначе таймаут станет no-op
		if !once.fire() {
			return
		}
		if err := c.store.SaveValues(context.WithoutCancel(reqCtx), values, cacheKey, userHash); err != nil {
			finish(domain.NewClientError(domain.CodeFailedToFetchValues, "failed to save values", err))
			return
		}
		finish(nil)
	}()
}

// FetchUpdatedValues — фоновое инкрементальное обновление без коалесинга и таймаута.
// Значения сохраняются, только если сервер прислал has_updates = true.
func (c *Coordinator) FetchUpdatedValues(
	ctx context.Context,
	user domain.User,
	lastSyncTimeForUser int64,
	previousDerivedFields map[string]string,
	fullChecksum string,
	completion func(error),
) {
	if completion == nil {
		completion = func(error) {}
	}
	finish := func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.Fetches.WithLabelValues("update", result).Inc()
		completion(err)
	}

	body, err := c.buildBody(user, map[string]any{
		"sinceTime":           lastSyncTimeForUser,
		"lastSyncTimeForUser": lastSyncTimeForUser,
	}, previousDerivedFields, fullChecksum)
	if err != nil {
		c.store.FinalizeValues()
		finish(err)
		return
	}

	cacheKey := domain.NewUserCacheKey(c.opts.SDKKey, user)
	userHash := user.FullHash()

	go func() {
		resp, err := c.transport.Send(ctx, network.EndpointInitialize, body, "")
		if err != nil {
			finish(domain.NewClientError(domain.CodeFailedToFetchValues, "failed to fetch updated values", err))
			return
		}
		if !resp.OK() {
			finish(domain.NewClientError(domain.CodeFailedToFetchValues,
				fmt.Sprintf("an error occurred during fetching values for the user: status %d", resp.StatusCode), nil))
			return
		}

		var values map[string]any
		if resp.StatusCode != http.StatusNoContent && len(resp.Body) > 0 {
			_ = json.Unmarshal(resp.Body, &values)
		}
		if hasUpdates, _ := values["has_updates"].(bool); !hasUpdates {
			c.store.FinalizeValues()
			finish(nil)
			return
		}

		if err := c.store.SaveValues(ctx, values, cacheKey, userHash); err != nil {
			finish(domain.NewClientError(domain.CodeFailedToFetchValues, "failed to save values", err))
			return
		}
		finish(nil)
	}()
}

// InflightCount — число активных запросов initialize.
func (c *Coordinator) InflightCount() int {
	return c.inflight.len()
}

// CancelAll отменяет все активные запросы; их completion отработает с ошибкой.
func (c *Coordinator) CancelAll() {
	c.inflight.cancelAll()
}

func (c *Coordinator) buildBody(
	user domain.User,
	markers map[string]any,
	previousDerivedFields map[string]string,
	fullChecksum string,
) ([]byte, error) {
	hash := "djb2"
	if c.opts.DisableHashing {
		hash = "none"
	}
	if previousDerivedFields == nil {
		previousDerivedFields = map[string]string{}
	}

	req := map[string]any{
		"user":                  user.ToMap(false),
		"metadata":              c.meta.Snapshot(),
		"hash":                  hash,
		"previousDerivedFields": previousDerivedFields,
	}
	if fullChecksum != "" {
		req["full_checksum"] = fullChecksum
	}
	for k, v := range markers {
		req[k] = v
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewClientError(domain.CodeInvalidRequestBody, "failed to serialize request body",
			fmt.Errorf("%w: %v", domain.ErrInvalidJSONParam, err))
	}
	return body, nil
}

// decodeValues: 204 — "нет обновлений", 2xx с JSON — полезная нагрузка.
func decodeValues(resp *network.Response) (map[string]any, error) {
	if resp.StatusCode == http.StatusNoContent {
		return map[string]any{"has_updates": false}, nil
	}

	var values map[string]any
	if err := json.Unmarshal(resp.Body, &values); err != nil || values == nil {
		return nil, domain.NewClientError(domain.CodeFailedToFetchValues, "no values returned with initialize response", err)
	}
	return values, nil
}
