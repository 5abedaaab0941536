package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// APIKeyHeader должен совпадать с заголовком, который шлет клиент.
const APIKeyHeader = "X-Flagkit-Api-Key"

// maxBodyBytes — предел распакованного тела /v1/rgstr.
const maxBodyBytes = 10 << 20

type Config struct {
	// Пустой ключ — авторизация не проверяется
	APIKey  string
	Catalog Catalog
}

// EventBatch — принятый /v1/rgstr запрос.
type EventBatch struct {
	Events     []map[string]any  `json:"events"`
	User       map[string]any    `json:"user"`
	Metadata   map[string]string `json:"metadata"`
	Compressed bool              `json:"compressed"`
}

// Server — локальный сервис вычисления значений для разработки и тестов.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	apiKey string

	mu        sync.Mutex
	catalog   Catalog
	updatedAt int64
	batches   []EventBatch
	failNext  int
	now       func() time.Time
}

func NewServer(cfg Config, logger *zap.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.Named("devserver"),
		apiKey:  cfg.APIKey,
		catalog: cfg.Catalog,
		now:     time.Now,
	}
	s.updatedAt = s.now().UnixMilli()

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Клиентский API (требует ключ) ---
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/v1/initialize", s.handleInitialize)
		r.Post("/v1/rgstr", s.handleLogEvent)
	})

	// --- 4. Отладка ---
	r.Route("/debug", func(r chi.Router) {
		r.Get("/events", s.handleListEvents)
		r.Put("/catalog", s.handlePutCatalog)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetCatalog заменяет значения и сдвигает время обновления.
func (s *Server) SetCatalog(c Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalog = c
	s.updatedAt = max(s.now().UnixMilli(), s.updatedAt+1)
}

// FailNext заставляет следующие n запросов /v1/rgstr вернуть 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Batches возвращает копию принятых батчей.
func (s *Server) Batches() []EventBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventBatch(nil), s.batches...)
}

// EventNames — имена всех принятых событий в порядке получения.
func (s *Server) EventNames() []string {
	var names []string
	for _, b := range s.Batches() {
		for _, e := range b.Events {
			if name, ok := e["eventName"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get(APIKeyHeader) != s.apiKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
