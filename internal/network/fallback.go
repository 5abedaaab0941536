package network

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/flagkit/internal/boundary"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

// FallbackInfo — активный запасной хост эндпоинта.
type FallbackInfo struct {
	URL          string    `json:"url"`
	Expiry       time.Time `json:"expiryTime"`
	PreviousURLs []string  `json:"previous"`
}

// FallbackResolver ищет запасные хосты через TXT-записи и помнит их в KV-хранилище.
// Поиск ограничен cooldown на каждый эндпоинт и обернут в circuit breaker.
type FallbackResolver struct {
	mu   sync.Mutex
	info map[Endpoint]*FallbackInfo

	storeKey string
	kv       repository.Store
	lookup   DNSLookup
	cfg      infra.FallbackConfig
	limiters map[Endpoint]*rate.Limiter
	cb       *gobreaker.CircuitBreaker

	reporter boundary.Reporter
	metrics  *infra.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewFallbackResolver(
	ctx context.Context,
	sdkKey string,
	kv repository.Store,
	lookup DNSLookup,
	cfg infra.FallbackConfig,
	reporter boundary.Reporter,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *FallbackResolver {
	cfg = cfg.WithDefaults()
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}

	r := &FallbackResolver{
		info:     make(map[Endpoint]*FallbackInfo),
		storeKey: infra.FallbackInfoKey(sdkKey),
		kv:       kv,
		lookup:   lookup,
		cfg:      cfg,
		limiters: map[Endpoint]*rate.Limiter{
			EndpointInitialize: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
			EndpointLogEvent:   rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "flagkit-fallback-lookup",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		reporter: reporter,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "fallback")),
		now:      time.Now,
	}
	r.load(ctx)
	return r
}

func (r *FallbackResolver) load(ctx context.Context) {
	stored := map[Endpoint]*FallbackInfo{}
	found, err := repository.GetJSON(ctx, r.kv, r.storeKey, &stored)
	if err != nil {
		r.reporter.LogException(boundary.TagStorage, err)
		return
	}
	if found {
		r.info = stored
	}
}

// persist вызывается под r.mu.
func (r *FallbackResolver) persist(ctx context.Context) {
	if err := repository.SetJSON(ctx, r.kv, r.storeKey, r.info); err != nil {
		r.reporter.LogException(boundary.TagStorage, err)
	}
}

// ActiveFallbackURL — запасной URL эндпоинта, пока он не истек.
func (r *FallbackResolver) ActiveFallbackURL(e Endpoint) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.info[e]
	if !ok || info.URL == "" {
		return "", false
	}
	if !r.now().Before(info.Expiry) {
		delete(r.info, e)
		return "", false
	}
	return info.URL, true
}

// TryBumpExpiryTime продлевает активный запасной хост после успешного запроса.
func (r *FallbackResolver) TryBumpExpiryTime(ctx context.Context, e Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.info[e]
	if !ok || info.URL == "" {
		return
	}
	info.Expiry = r.now().Add(r.cfg.TTL)
	r.persist(ctx)
}

// TryFetchUpdatedFallbackInfo ищет новый запасной хост. failedURL — URL,
// на котором только что упал запрос; он не будет выбран повторно.
// Возвращает true, если активный запасной хост сменился.
func (r *FallbackResolver) TryFetchUpdatedFallbackInfo(ctx context.Context, e Endpoint, failedURL string) bool {
	limiter, ok := r.limiters[e]
	if !ok || !limiter.Allow() {
		return false
	}

	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.lookup.LookupTXT(ctx, r.cfg.Domain)
	})
	if err != nil {
		r.reporter.LogException(boundary.TagFallbackLookup, err)
		return false
	}
	records, _ := res.([]string)

	r.mu.Lock()
	defer r.mu.Unlock()

	var previous []string
	if info, ok := r.info[e]; ok {
		previous = append(previous, info.PreviousURLs...)
		if info.URL != "" {
			previous = append(previous, info.URL)
		}
	}
	if failedURL != "" {
		previous = append(previous, failedURL)
	}

	next := pickFallbackURL(records, e, previous)
	if next == "" {
		r.reporter.LogException(boundary.TagFallbackLookup, errors.New("no unused fallback host for "+e.Label()))
		return false
	}

	r.info[e] = &FallbackInfo{
		URL:          next,
		Expiry:       r.now().Add(r.cfg.TTL),
		PreviousURLs: dedupeStrings(previous),
	}
	r.persist(ctx)

	r.metrics.FallbackSwitches.WithLabelValues(e.Label()).Inc()
	r.logger.Info("switched to fallback host", zap.String("endpoint", e.Label()), zap.String("url", next))
	return true
}

// pickFallbackURL: записи вида "<dnsKey>=<host>", первая еще не использованная побеждает.
func pickFallbackURL(records []string, e Endpoint, previous []string) string {
	prefix := e.DNSKey() + "="
	for _, rec := range records {
		for _, entry := range strings.Fields(rec) {
			host, ok := strings.CutPrefix(entry, prefix)
			if !ok || host == "" {
				continue
			}
			candidate := buildURL(host, e)
			if candidate == "" || containsHost(previous, candidate) {
				continue
			}
			return candidate
		}
	}
	return ""
}

func buildURL(host string, e Endpoint) string {
	base := host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + string(e))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.String()
}

func containsHost(urls []string, candidate string) bool {
	c, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	for _, raw := range urls {
		if u, err := url.Parse(raw); err == nil && u.Host == c.Host {
			return true
		}
	}
	return false
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
