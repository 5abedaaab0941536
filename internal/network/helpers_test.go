package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

type recordingReporter struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingReporter) LogException(tag string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
}

func (r *recordingReporter) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

type staticDNS struct {
	records []string
	err     error
	calls   atomic.Int32
}

func (d *staticDNS) LookupTXT(_ context.Context, _ string) ([]string, error) {
	d.calls.Add(1)
	return d.records, d.err
}

type staticFlags map[string]bool

func (f staticFlags) SDKFlagBool(name string) bool { return f[name] }

// deadURL — адрес, на котором никто не слушает (connection refused).
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func newTestResolver(t *testing.T, kv repository.Store, dns DNSLookup, reporter *recordingReporter) *FallbackResolver {
	t.Helper()
	cfg := infra.DefaultFallbackConfig()
	return NewFallbackResolver(context.Background(), "client-key", kv, dns, cfg, reporter, nil, zap.NewNop())
}

func newTestService(t *testing.T, opts infra.Options, resolver *FallbackResolver, flags SDKFlags, reporter *recordingReporter) *Service {
	t.Helper()
	if opts.SDKKey == "" {
		opts.SDKKey = "client-key"
	}
	return NewService(opts, nil, resolver, flags, reporter, nil, zap.NewNop())
}
