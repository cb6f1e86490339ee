package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/kbchat/internal/db"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// HistoryStore persists exchanges and their feedback.
type HistoryStore interface {
	CreateHistory(ctx context.Context, input models.HistoryInput) (*models.HistoryRecord, error)
	GetHistory(ctx context.Context, id int64) (*models.HistoryRecord, error)
	ListHistoryBySession(ctx context.Context, sessionID string) ([]models.HistoryRecord, error)
	UpdateFeedback(ctx context.Context, id int64, score int, comment *string) (*models.HistoryRecord, error)
}

// HistoryService validates and stores exchanges and feedback.
type HistoryService struct {
	store  HistoryStore
	logger *slog.Logger
}

// NewHistoryService creates a history service.
func NewHistoryService(store HistoryStore, logger *slog.Logger) *HistoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryService{store: store, logger: logger}
}

// Save stores a completed exchange.
func (s *HistoryService) Save(ctx context.Context, input models.HistoryInput) (*models.HistoryRecord, error) {
	input.Question = strings.TrimSpace(input.Question)
	if input.TopicID <= 0 || input.Question == "" {
		return nil, fmt.Errorf("%w: topic_id and question are required", ErrInvalidRequest)
	}

	rec, err := s.store.CreateHistory(ctx, input)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("history saved", "id", rec.ID, "session_id", rec.SessionID)
	return rec, nil
}

// Get returns one exchange.
func (s *HistoryService) Get(ctx context.Context, id int64) (*models.HistoryRecord, error) {
	rec, err := s.store.GetHistory(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: history %d", ErrNotFound, id)
	}
	return rec, err
}

// ListBySession returns a session's exchanges oldest first.
func (s *HistoryService) ListBySession(ctx context.Context, sessionID string) ([]models.HistoryRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	records, err := s.store.ListHistoryBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	return records, nil
}

// SetFeedback replaces an exchange's feedback. The comment is trimmed and
// an empty comment is stored as absent.
func (s *HistoryService) SetFeedback(ctx context.Context, id int64, input models.FeedbackInput) (*models.HistoryRecord, error) {
	if !models.ValidFeedbackScore(input.FeedbackScore) {
		return nil, ErrInvalidScore
	}

	var comment *string
	if input.FeedbackComment != nil {
		if trimmed := strings.TrimSpace(*input.FeedbackComment); trimmed != "" {
			comment = &trimmed
		}
	}

	rec, err := s.store.UpdateFeedback(ctx, id, input.FeedbackScore, comment)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: history %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("feedback updated", "id", id, "score", input.FeedbackScore, "has_comment", comment != nil)
	return rec, nil
}
