// Package chat drives streaming question/answer exchanges for one session.
//
// An Engine folds the backend's SSE answer stream into a session.Store,
// persists completed exchanges, and synchronizes per-turn feedback. Errors
// never escape as panics; they are delivered to the Handlers callbacks and
// echoed in return values for synchronous callers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/kbchat/internal/client"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/session"
)

// DefaultFallbackMessage replaces an assistant turn's content when a stream
// fails before any chunk arrived.
const DefaultFallbackMessage = "Sorry, something went wrong while generating the answer."

// Sentinel errors for feedback submission.
var (
	ErrInvalidScore     = errors.New("feedback score must be -1, 0 or 1")
	ErrFeedbackInFlight = errors.New("feedback submission already in progress")
)

// StreamError is a protocol-level error frame sent by the server.
// Error returns the server-supplied message unchanged.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Backend is the subset of the backend API the engine depends on.
type Backend interface {
	StreamAnswer(ctx context.Context, input models.StreamRequest, onEvent client.StreamCallback) error
	SaveHistory(ctx context.Context, input models.HistoryInput) (*models.HistoryRecord, error)
	SubmitFeedback(ctx context.Context, historyID int64, input models.FeedbackInput) (*models.HistoryRecord, error)
}

// Handlers are optional callbacks. They run on the goroutine that called
// SendMessage or SubmitFeedback.
type Handlers struct {
	// OnChunk is called after each answer chunk is appended.
	OnChunk func(turnID, delta string)
	// OnError receives transport failures and server error frames.
	OnError func(turnID string, err error)
	// OnFeedbackError receives feedback submission failures.
	OnFeedbackError func(turnID string, err error)
}

// Config configures an Engine.
type Config struct {
	TopicID         int64
	SessionID       string
	Store           *session.Store
	Backend         Backend
	Handlers        Handlers
	Logger          *slog.Logger
	Metrics         *metrics.Collector
	FallbackMessage string
}

// Engine runs exchanges against the backend for one session.
type Engine struct {
	mu        sync.Mutex
	topicID   int64
	sessionID string

	store    *session.Store
	backend  Backend
	handlers Handlers
	logger   *slog.Logger
	metrics  *metrics.Collector
	fallback string

	feedbackInFlight map[int64]bool
}

// New creates an Engine. A nil Store gets a fresh one.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = session.NewStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}

	return &Engine{
		topicID:          cfg.TopicID,
		sessionID:        cfg.SessionID,
		store:            cfg.Store,
		backend:          cfg.Backend,
		handlers:         cfg.Handlers,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		fallback:         cfg.FallbackMessage,
		feedbackInFlight: make(map[int64]bool),
	}
}

// SetTopic selects the topic used by subsequent exchanges. Zero deselects.
func (e *Engine) SetTopic(topicID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topicID = topicID
}

// Topic returns the selected topic id, or zero.
func (e *Engine) Topic() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topicID
}

// SessionID returns the session identifier sent with every exchange.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Store returns the transcript backing this engine.
func (e *Engine) Store() *session.Store {
	return e.store
}

// Clear empties the transcript. An in-flight stream keeps running but its
// updates are dropped.
func (e *Engine) Clear() {
	e.store.Clear()
}

// Result is the outcome of SendMessage.
type Result struct {
	// Sent is false when the call was a no-op (blank text, no topic, or a
	// stream already open).
	Sent          bool
	UserTurn      models.Turn
	AssistantTurn models.Turn
	// Err is the error also delivered to Handlers.OnError, if any.
	Err error
}

// exchange accumulates per-call stream state. Citations are held in a
// pending slot until the stream completes.
type exchange struct {
	turnID   string
	question string
	topicID  int64

	pending    []models.Citation
	hasPending bool
	done       bool
	streamErr  error

	start  time.Time
	chunks int64
	bytes  int64
}

// SendMessage asks text in the selected topic and blocks until the answer
// turn is closed. It is a silent no-op when no topic is selected, the text is
// blank, or another stream is open.
func (e *Engine) SendMessage(ctx context.Context, text string) Result {
	topicID := e.Topic()
	if topicID == 0 {
		e.logger.Debug("send ignored: no topic selected")
		return Result{}
	}

	user, assistant, ok := e.store.BeginExchange(text)
	if !ok {
		e.logger.Debug("send ignored: blank text or stream already open")
		return Result{}
	}

	x := &exchange{
		turnID:   assistant.ID,
		question: user.Content,
		topicID:  topicID,
		start:    time.Now(),
	}

	req := models.StreamRequest{
		TopicID:   topicID,
		Question:  user.Content,
		SessionID: e.sessionID,
	}

	err := e.backend.StreamAnswer(ctx, req, func(event models.StreamEvent) error {
		e.handleEvent(x, event)
		return nil
	})

	var result error
	switch {
	case x.streamErr != nil:
		result = x.streamErr
	case err != nil:
		result = err
	case !x.done:
		result = client.ErrStreamEnded
	}

	e.metrics.RecordStream(metrics.OpStream, time.Since(x.start), x.chunks, x.bytes, result != nil)

	if result != nil {
		e.fail(x, result)
	} else {
		e.complete(ctx, x)
	}

	final, _ := e.store.Turn(x.turnID)
	return Result{
		Sent:          true,
		UserTurn:      user,
		AssistantTurn: final,
		Err:           result,
	}
}

// handleEvent folds one stream event into the exchange.
func (e *Engine) handleEvent(x *exchange, event models.StreamEvent) {
	switch event.Type {
	case models.EventAnswerChunk:
		if event.Content == "" {
			return
		}
		if x.chunks == 0 {
			e.metrics.RecordTiming(metrics.OpFirstChunk, time.Since(x.start))
		}
		x.chunks++
		x.bytes += int64(len(event.Content))
		e.store.AppendContentChunk(x.turnID, event.Content)
		if e.handlers.OnChunk != nil {
			e.handlers.OnChunk(x.turnID, event.Content)
		}

	case models.EventCitations:
		x.pending = event.Citations
		x.hasPending = true

	case models.EventDone:
		x.done = true

	case models.EventError:
		msg := event.Message
		if msg == "" {
			msg = "stream error"
		}
		x.streamErr = &StreamError{Message: msg}

	default:
		e.logger.Debug("ignoring unknown stream event", "type", event.Type, "index", event.Index)
	}
}

// complete commits buffered citations, persists the exchange, and closes the
// turn. Persistence failures are logged, not reported: the answer is already
// visible, only feedback stays unavailable.
func (e *Engine) complete(ctx context.Context, x *exchange) {
	if x.hasPending {
		e.store.SetCitations(x.turnID, x.pending)
	}

	turn, ok := e.store.Turn(x.turnID)
	if !ok {
		e.logger.Debug("turn cleared before completion, skipping persistence", "turn_id", x.turnID)
		return
	}

	start := time.Now()
	record, err := e.backend.SaveHistory(ctx, models.HistoryInput{
		TopicID:   x.topicID,
		Question:  x.question,
		Answer:    turn.Content,
		SessionID: e.sessionID,
	})
	if err != nil {
		e.metrics.RecordFailure(metrics.OpHistorySaveFailed, time.Since(start))
		e.logger.Warn("history persistence failed",
			"error", err,
			"turn_id", x.turnID,
			"topic_id", x.topicID,
		)
		e.store.Finalize(x.turnID, session.FinalizeOptions{})
	} else {
		e.metrics.RecordTiming(metrics.OpHistorySave, time.Since(start))
		id := record.ID
		e.store.Finalize(x.turnID, session.FinalizeOptions{
			HistoryID:       &id,
			FeedbackScore:   record.FeedbackScore,
			FeedbackComment: record.FeedbackComment,
		})
	}
}

// fail closes the turn with partial content or the fallback and reports err.
func (e *Engine) fail(x *exchange, err error) {
	e.store.RecordError(x.turnID, e.fallback)

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		e.logger.Warn("server reported stream error", "message", streamErr.Message, "turn_id", x.turnID)
	} else {
		e.logger.Warn("answer stream failed", "error", err, "turn_id", x.turnID, "chunks", x.chunks)
	}

	if e.handlers.OnError != nil {
		e.handlers.OnError(x.turnID, err)
	}
}

// =============================================================================
// FEEDBACK
// =============================================================================

// SubmitFeedback sends a score and optional comment for a persisted turn.
// The comment is trimmed; an empty comment is sent as null. On success the
// backend's echoed values replace the turn's feedback. On failure the turn is
// unchanged and the error goes to Handlers.OnFeedbackError.
func (e *Engine) SubmitFeedback(ctx context.Context, turnID string, score int, comment string) error {
	err := e.submitFeedback(ctx, turnID, score, comment)
	if err != nil && e.handlers.OnFeedbackError != nil {
		e.handlers.OnFeedbackError(turnID, err)
	}
	return err
}

// SubmitFeedbackForHistory rates a stored answer by history id. The answer
// need not be in this engine's transcript; if it is, its turn is updated the
// same way SubmitFeedback does. Returns the backend's echoed record.
func (e *Engine) SubmitFeedbackForHistory(ctx context.Context, historyID int64, score int, comment string) (*models.HistoryRecord, error) {
	turnID := ""
	if turn, ok := e.store.TurnByHistoryID(historyID); ok {
		turnID = turn.ID
	}

	record, err := e.sendFeedback(ctx, historyID, score, comment)
	if err != nil {
		if e.handlers.OnFeedbackError != nil {
			e.handlers.OnFeedbackError(turnID, err)
		}
		return nil, err
	}
	if turnID != "" {
		e.applyFeedback(turnID, record)
	}
	return record, nil
}

func (e *Engine) submitFeedback(ctx context.Context, turnID string, score int, comment string) error {
	turn, ok := e.store.Turn(turnID)
	if !ok {
		return session.ErrTurnNotFound
	}
	if !turn.CanReceiveFeedback() {
		return session.ErrNoHistory
	}

	record, err := e.sendFeedback(ctx, *turn.HistoryID, score, comment)
	if err != nil {
		return err
	}
	e.applyFeedback(turnID, record)
	return nil
}

// sendFeedback validates and submits one rating. The comment is trimmed and
// sent as null when blank. One submission per history id runs at a time.
func (e *Engine) sendFeedback(ctx context.Context, historyID int64, score int, comment string) (*models.HistoryRecord, error) {
	if !models.ValidFeedbackScore(score) {
		return nil, ErrInvalidScore
	}
	if !e.beginFeedback(historyID) {
		return nil, ErrFeedbackInFlight
	}
	defer e.endFeedback(historyID)

	var normalized *string
	if trimmed := strings.TrimSpace(comment); trimmed != "" {
		normalized = &trimmed
	}

	start := time.Now()
	record, err := e.backend.SubmitFeedback(ctx, historyID, models.FeedbackInput{
		FeedbackScore:   score,
		FeedbackComment: normalized,
	})
	if err != nil {
		e.metrics.RecordFailure(metrics.OpFeedback, time.Since(start))
		return nil, fmt.Errorf("submit feedback: %w", err)
	}
	e.metrics.RecordTiming(metrics.OpFeedback, time.Since(start))
	return record, nil
}

// applyFeedback replaces a turn's feedback with the backend's echoed values.
func (e *Engine) applyFeedback(turnID string, record *models.HistoryRecord) {
	if err := e.store.UpdateFeedback(turnID, record.FeedbackScore, record.FeedbackComment); err != nil {
		// Cleared while the request was in flight; nothing left to update.
		e.logger.Debug("feedback stored but turn no longer present", "turn_id", turnID, "error", err)
	}
}

func (e *Engine) beginFeedback(historyID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feedbackInFlight[historyID] {
		return false
	}
	e.feedbackInFlight[historyID] = true
	return true
}

func (e *Engine) endFeedback(historyID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.feedbackInFlight, historyID)
}
