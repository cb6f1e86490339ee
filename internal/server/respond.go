package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/service"
)

// respondJSON writes payload as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// respondError writes {"detail": message}.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"detail": message})
}

// respondServiceError maps service sentinels to status codes. Unknown errors
// are logged and hidden behind a generic 500.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidScore):
		respondError(w, http.StatusBadRequest, service.ErrInvalidScore.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTopicNotFound), errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error("request handling failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", service.ErrInvalidRequest)
	}
	return nil
}

// listResponse wraps collections as {"data": [...]}.
type listResponse[T any] struct {
	Data []T `json:"data"`
}

// sseWriter writes stream events as SSE frames. Headers are sent with the
// first frame so that errors found before any output can still be answered
// with a normal JSON status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool

	// answer chunks and their content bytes sent so far
	chunks int64
	bytes  int64
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Emit writes one "data:" frame and flushes it.
func (s *sseWriter) Emit(event models.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if !s.started {
		setupSSEHeaders(s.w)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	if event.Type == models.EventAnswerChunk {
		s.chunks++
		s.bytes += int64(len(event.Content))
	}
	return nil
}
