// Package api serves the loopback capture endpoints and the custom-scheme
// handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/capturelog"
	"github.com/MikeSquared-Agency/anychat/internal/collector"
)

const (
	maxBodyBytes        = 10 << 20
	defaultRecentLimit  = 50
	maxRecentLimit      = 500
	archiveQueryTimeout = 2 * time.Second
)

// Ingester is the merge step behind every endpoint.
type Ingester interface {
	Ingest(ctx context.Context, batch capture.CaptureBatch, transport capture.Source) (collector.Result, error)
	Stats() collector.Stats
}

// Archive answers read queries from the Postgres mirror. store.Store
// implements it.
type Archive interface {
	CountMessages(ctx context.Context, serviceID string) (int, error)
	Recent(ctx context.Context, serviceID string, limit int) ([]capturelog.Entry, error)
}

type Option func(*Server)

// WithArchive adds the mirrored count to /health and serves GET /messages.
func WithArchive(a Archive) Option {
	return func(s *Server) { s.archive = a }
}

type Server struct {
	router  *chi.Mux
	srv     *http.Server
	ingest  Ingester
	archive Archive
	logger  *slog.Logger
}

func NewServer(addr string, ingest Ingester, logger *slog.Logger, opts ...Option) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	s := &Server{
		router: router,
		ingest: ingest,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	router.Get("/health", s.health)
	router.Post("/capture", captureHandler(ingest, capture.SourceHTTP, logger))
	router.Get("/beacon", s.beacon)
	if s.archive != nil {
		router.Get("/messages", s.recent)
	}

	return s
}

func (s *Server) Addr() string { return s.srv.Addr }

// Start blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("capture server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.ingest.Stats()
	body := map[string]any{
		"status":     "ok",
		"merged":     st.Merged,
		"duplicates": st.Duplicates,
	}
	if s.archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), archiveQueryTimeout)
		defer cancel()
		if n, err := s.archive.CountMessages(ctx, ""); err != nil {
			s.logger.Warn("mirror count failed", "error", err)
		} else {
			body["mirrored"] = n
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// recent lists the newest mirrored messages for ?service=, newest first.
func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), archiveQueryTimeout)
	defer cancel()
	entries, err := s.archive.Recent(ctx, service, limit)
	if err != nil {
		s.logger.Error("recent messages query failed", "service", service, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if entries == nil {
		entries = []capturelog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// SchemeHandler serves the custom URI scheme. Only /capture exists.
func SchemeHandler(ingest Ingester, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post("/capture", captureHandler(ingest, capture.SourceProtocol, logger))
	return router
}

func captureHandler(ingest Ingester, transport capture.Source, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var batch capture.CaptureBatch
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
			writeError(w, http.StatusBadRequest, "malformed capture batch: "+err.Error())
			return
		}
		if _, err := ingest.Ingest(r.Context(), batch, transport); err != nil {
			if errors.Is(err, collector.ErrInvalidBatch) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logger.Error("ingest failed", "transport", transport, "error", err)
			writeError(w, http.StatusInternalServerError, "ingest failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
