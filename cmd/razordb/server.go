package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/nconghau/razordb/internal/cache"
	"github.com/nconghau/razordb/internal/engine"
	"github.com/nconghau/razordb/internal/lsm"
)

// maxValueBytes bounds a PUT body.
const maxValueBytes = 4 << 20

// Server exposes one store over HTTP.
type Server struct {
	db       engine.Engine
	cache    *lsm.BlockCache
	gatherer prometheus.Gatherer
}

func newServer(db engine.Engine, bc *lsm.BlockCache, gatherer prometheus.Gatherer) *Server {
	return &Server{db: db, cache: bc, gatherer: gatherer}
}

// Handler returns the API routes wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/kv/{key}", s.handleGet)
	mux.HandleFunc("PUT /api/kv/{key}", s.handlePut)
	mux.HandleFunc("POST /api/_flush", s.handleFlush)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

// startHttpServer serves s on addr in the background.
func startHttpServer(s *Server, addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("API server running", "component", "http", "addr", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "component", "http", "error", err)
		}
	}()
	return srv
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Engine map[string]int64 `json:"engine"`
	Index  cache.Stats      `json:"indexCache"`
	Data   cache.Stats      `json:"dataCache"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Engine: s.db.GetMetrics()}
	if s.cache != nil {
		resp.Index, resp.Data = s.cache.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	val, err := s.db.Get([]byte(key))
	if errors.Is(err, lsm.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		slog.Error("Get failed", "component", "http", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(val)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Value too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if err := s.db.Put([]byte(key), body); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lsm.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": key})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Flush(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flush complete"})
}

// writeJSON streams a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The header is already sent; only logging is left.
		slog.Error("Failed to encode JSON response", "component", "http", "error", err)
	}
}

// writeError sends a standard JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
