package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/flagkit/internal/boundary"
	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu      sync.Mutex
	bodies  [][]byte
	retried [][]byte
	sendErr error
	block   chan struct{}
}

func (s *fakeSender) SendEvents(_ context.Context, body []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, body)
	return s.sendErr
}

func (s *fakeSender) SendRequestsWithData(_ context.Context, batches [][]byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, batches...)
	if s.sendErr != nil {
		return batches
	}
	return nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSender) Bodies() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.bodies...)
}

func (s *fakeSender) Retried() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.retried...)
}

type staticMeta map[string]string

func (m staticMeta) Snapshot() map[string]string { return m }

func testOptions() infra.Options {
	opts := infra.DefaultOptions()
	opts.SDKKey = "client-key"
	return opts
}

func newTestLogger(t *testing.T, opts infra.Options, sender Sender, kv repository.Store) *EventLogger {
	t.Helper()
	l := New(context.Background(), opts, domain.User{UserID: "u1"}, sender, staticMeta{"sdkType": "go-client"},
		kv, boundary.Nop{}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Stop(ctx, false, nil)
	})
	return l
}

// waitForWorker ждет, пока воркер выполнит все ранее поставленные задачи.
func waitForWorker(t *testing.T, l *EventLogger) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.enqueue(func() { close(done) }, true))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}
}

// flushAndWait делает Flush и ждет завершения.
func flushAndWait(t *testing.T, l *EventLogger, persist bool) {
	t.Helper()
	done := make(chan struct{})
	l.Flush(persist, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}
}

type sentBody struct {
	Events []domain.Event  `json:"events"`
	User   map[string]any  `json:"user"`
	Meta   json.RawMessage `json:"metadata"`
}

func decodeBody(t *testing.T, body []byte) sentBody {
	t.Helper()
	var b sentBody
	require.NoError(t, json.Unmarshal(body, &b))
	return b
}

func eventNames(events []domain.Event) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.EventName
	}
	return names
}
