// Package server exposes the reference backend over HTTP: topic listing,
// answer streaming as server-sent events, history and feedback.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/service"
)

// TopicLister lists the topics questions can be asked about.
type TopicLister interface {
	ListTopics(ctx context.Context) ([]models.Topic, error)
}

// Pinger checks backing storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Streamer answers a question as a sequence of stream events.
type Streamer interface {
	Stream(ctx context.Context, req models.StreamRequest, emit service.Emitter) error
}

// Histories stores exchanges and feedback.
type Histories interface {
	Save(ctx context.Context, input models.HistoryInput) (*models.HistoryRecord, error)
	Get(ctx context.Context, id int64) (*models.HistoryRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.HistoryRecord, error)
	SetFeedback(ctx context.Context, id int64, input models.FeedbackInput) (*models.HistoryRecord, error)
}

// Deps holds the collaborators of the HTTP handlers.
type Deps struct {
	Topics  TopicLister
	RAG     Streamer
	History Histories
	// Pinger is optional; /health skips the storage check without it.
	Pinger  Pinger
	Metrics *metrics.Collector
	// Token enables bearer authentication when non-empty.
	Token  string
	Logger *slog.Logger
}

// Server wraps the HTTP server with dependencies and lifecycle management.
type Server struct {
	deps   Deps
	http   *http.Server
	logger *slog.Logger
}

// New creates a server listening on addr.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, logger: deps.Logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: answer streams last as long as generation does.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.deps.Token))

		r.Get("/stats", s.handleStats)
		r.Get("/topics", s.handleListTopics)
		r.Post("/rag/stream", s.handleStream)

		r.Route("/history", func(r chi.Router) {
			r.Post("/", s.handleSaveHistory)
			r.Get("/", s.handleListHistory)
			r.Get("/{id}", s.handleGetHistory)
			r.Patch("/{id}/feedback", s.handleFeedback)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.deps.Topics.ListTopics(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	if topics == nil {
		topics = []models.Topic{}
	}
	respondJSON(w, http.StatusOK, listResponse[models.Topic]{Data: topics})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req models.StreamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	start := time.Now()
	err := s.deps.RAG.Stream(r.Context(), req, sse.Emit)
	s.deps.Metrics.RecordStream(metrics.OpStream, time.Since(start), sse.chunks, sse.bytes, err != nil)
	if err == nil {
		return
	}
	if !sse.started {
		respondServiceError(w, s.logger, err)
		return
	}
	// Headers are gone; the client sees the stream end without a terminal frame.
	s.logger.Info("stream aborted", "topic_id", req.TopicID, "error", err)
}

func (s *Server) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	var input models.HistoryInput
	if err := decodeJSON(w, r, &input); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	start := time.Now()
	rec, err := s.deps.History.Save(r.Context(), input)
	if err != nil {
		s.deps.Metrics.RecordFailure(metrics.OpHistorySave, time.Since(start))
		respondServiceError(w, s.logger, err)
		return
	}
	s.deps.Metrics.RecordTiming(metrics.OpHistorySave, time.Since(start))
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.History.ListBySession(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse[models.HistoryRecord]{Data: records})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := historyID(r)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	rec, err := s.deps.History.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := historyID(r)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var input models.FeedbackInput
	if err := decodeJSON(w, r, &input); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	start := time.Now()
	rec, err := s.deps.History.SetFeedback(r.Context(), id, input)
	if err != nil {
		s.deps.Metrics.RecordFailure(metrics.OpFeedback, time.Since(start))
		respondServiceError(w, s.logger, err)
		return
	}
	s.deps.Metrics.RecordTiming(metrics.OpFeedback, time.Since(start))
	respondJSON(w, http.StatusOK, rec)
}

func historyID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid history id", service.ErrInvalidRequest)
	}
	return id, nil
}
