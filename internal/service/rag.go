package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/kbchat/internal/db"
	"github.com/raphaelgruber/kbchat/internal/llm"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// StreamErrorMessage is the message of error frames sent for generation
// failures. Details go to the server log only.
const StreamErrorMessage = "Stream error"

// Retriever finds context passages for a question.
type Retriever interface {
	GetTopic(ctx context.Context, id int64) (*models.Topic, error)
	SearchContextItems(ctx context.Context, topicID int64, q string, limit int) ([]models.ScoredContextItem, error)
	SearchContextItemsByVector(ctx context.Context, topicID int64, embedding []float32, limit int) ([]models.ScoredContextItem, error)
}

// Answerer streams an answer grounded in passages.
type Answerer interface {
	StreamAnswer(ctx context.Context, question string, passages []models.ScoredContextItem, onChunk func(string) error) error
}

// Emitter delivers one stream frame to the client. An error means the client
// is gone and streaming should stop.
type Emitter func(models.StreamEvent) error

// RAGService answers questions by retrieving context and streaming an LLM
// response.
type RAGService struct {
	retriever Retriever
	answerer  Answerer
	embedder  Embedder
	limit     int
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewRAGService creates a RAG service. limit caps retrieved passages.
func NewRAGService(retriever Retriever, answerer Answerer, limit int, logger *slog.Logger, collector *metrics.Collector) *RAGService {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RAGService{
		retriever: retriever,
		answerer:  answerer,
		limit:     limit,
		logger:    logger,
		metrics:   collector,
	}
}

// WithEmbedder enables hybrid full-text and vector retrieval.
func (s *RAGService) WithEmbedder(e Embedder) *RAGService {
	s.embedder = e
	return s
}

// Stream answers req through emit: answer_chunk frames while the model
// generates, then one citations frame if any passages were used, then done.
//
// Validation and unknown topics return ErrInvalidRequest or ErrTopicNotFound
// before anything is emitted. Later failures are reported to the client as
// an error frame and Stream returns nil, unless emit itself failed.
func (s *RAGService) Stream(ctx context.Context, req models.StreamRequest, emit Emitter) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	if req.TopicID <= 0 {
		return fmt.Errorf("%w: topic_id is required", ErrInvalidRequest)
	}

	if _, err := s.retriever.GetTopic(ctx, req.TopicID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrTopicNotFound, req.TopicID)
		}
		return fmt.Errorf("get topic: %w", err)
	}

	log := s.logger.With("topic_id", req.TopicID, "session_id", req.SessionID)

	start := time.Now()
	passages, err := s.retrieve(ctx, log, req.TopicID, question)
	if err != nil {
		s.metrics.RecordFailure(metrics.OpRetrieval, time.Since(start))
		log.Error("retrieval failed", "error", err)
		return emit(models.StreamEvent{Type: models.EventError, Message: StreamErrorMessage})
	}
	s.metrics.RecordTiming(metrics.OpRetrieval, time.Since(start))
	log.Debug("retrieved passages", "count", len(passages), "duration_ms", time.Since(start).Milliseconds())

	var (
		chunks  int64
		bytes   int64
		emitErr error
	)
	genStart := time.Now()
	err = s.answerer.StreamAnswer(ctx, question, passages, func(text string) error {
		if err := emit(models.StreamEvent{Type: models.EventAnswerChunk, Content: text}); err != nil {
			emitErr = err
			return err
		}
		chunks++
		bytes += int64(len(text))
		return nil
	})
	s.metrics.RecordStream(metrics.OpLLMStream, time.Since(genStart), chunks, bytes, err != nil)

	if emitErr != nil {
		log.Info("client disconnected during stream", "chunks", chunks)
		return emitErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, llm.ErrFatalAPI) {
			log.Error("LLM provider rejected request", "error", err)
		} else {
			log.Warn("answer generation failed", "error", err, "chunks", chunks)
		}
		return emit(models.StreamEvent{Type: models.EventError, Message: StreamErrorMessage})
	}

	if len(passages) > 0 {
		citations := make([]models.Citation, 0, len(passages))
		for _, p := range passages {
			citations = append(citations, p.Citation())
		}
		if err := emit(models.StreamEvent{Type: models.EventCitations, Citations: citations}); err != nil {
			return err
		}
	}

	log.Info("answer streamed", "chunks", chunks, "passages", len(passages), "duration_ms", time.Since(genStart).Milliseconds())
	return emit(models.StreamEvent{Type: models.EventDone})
}
