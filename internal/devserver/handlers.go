package devserver

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/codec"
)

type initializeRequest struct {
	Hash      string `json:"hash"`
	SinceTime int64  `json:"sinceTime"`
}

// handleInitialize отдает значения каталога.
// POST /v1/initialize
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	catalog, updatedAt := s.catalog, s.updatedAt
	s.mu.Unlock()

	// Клиент уже видел эту версию каталога
	if req.SinceTime >= updatedAt {
		writeJSON(w, http.StatusOK, map[string]any{"has_updates": false})
		return
	}

	writeJSON(w, http.StatusOK, catalog.initializeResponse(req.Hash, updatedAt))
}

// handleLogEvent принимает батч событий, в том числе сжатый gzip.
// POST /v1/rgstr
func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	compressed := r.Header.Get("Content-Encoding") == codec.ContentEncodingGzip
	if compressed {
		if raw, err = codec.Gunzip(raw, maxBodyBytes); err != nil {
			http.Error(w, "Invalid gzip body", http.StatusBadRequest)
			return
		}
	}

	var batch EventBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	batch.Compressed = compressed

	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()

	s.logger.Debug("events received",
		zap.Int("count", len(batch.Events)),
		zap.Bool("compressed", compressed),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

// GET /debug/events
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Batches())
}

// PUT /debug/catalog
func (s *Server) handlePutCatalog(w http.ResponseWriter, r *http.Request) {
	var c Catalog
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.SetCatalog(c)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Encoding error", http.StatusInternalServerError)
	}
}
