package db

import (
	"fmt"
	"math"
	"time"

	"github.com/raphaelgruber/kbchat/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// recordInt extracts the integer key of a record id such as history:42.
func recordInt(id surrealmodels.RecordID) (int64, error) {
	switch v := id.ID.(type) {
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("record id %d overflows int64", v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected record id type %T for %s", id.ID, id.Table)
	}
}

type topicRow struct {
	ID          surrealmodels.RecordID `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"created_at"`
}

func (r topicRow) model() (models.Topic, error) {
	id, err := recordInt(r.ID)
	if err != nil {
		return models.Topic{}, err
	}
	return models.Topic{ID: id, Name: r.Name, Description: r.Description, CreatedAt: r.CreatedAt}, nil
}

type contextItemRow struct {
	ID          surrealmodels.RecordID `json:"id"`
	TopicID     int64                  `json:"topic_id"`
	Title       string                 `json:"title"`
	Content     string                 `json:"content"`
	ContextType string                 `json:"context_type"`
	SourcePath  *string                `json:"source_path,omitempty"`
	Position    int                    `json:"position"`
	CreatedAt   time.Time              `json:"created_at"`
	Score       float64                `json:"score,omitempty"`
	Distance    float64                `json:"distance,omitempty"`
}

// contextItemFields are the context_item columns read by searches.
const contextItemFields = `id, topic_id, title, content, context_type, source_path, position, created_at`

func (r contextItemRow) model() (models.ContextItem, error) {
	id, err := recordInt(r.ID)
	if err != nil {
		return models.ContextItem{}, err
	}
	return models.ContextItem{
		ID:          id,
		TopicID:     r.TopicID,
		Title:       r.Title,
		Content:     r.Content,
		ContextType: r.ContextType,
		SourcePath:  r.SourcePath,
		Position:    r.Position,
		CreatedAt:   r.CreatedAt,
	}, nil
}

type historyRow struct {
	ID              surrealmodels.RecordID `json:"id"`
	TopicID         int64                  `json:"topic_id"`
	SessionID       string                 `json:"session_id"`
	Question        string                 `json:"question"`
	Answer          string                 `json:"answer"`
	FeedbackScore   *int                   `json:"feedback_score,omitempty"`
	FeedbackComment *string                `json:"feedback_comment,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (r historyRow) model() (models.HistoryRecord, error) {
	id, err := recordInt(r.ID)
	if err != nil {
		return models.HistoryRecord{}, err
	}
	return models.HistoryRecord{
		ID:              id,
		TopicID:         r.TopicID,
		SessionID:       r.SessionID,
		Question:        r.Question,
		Answer:          r.Answer,
		FeedbackScore:   r.FeedbackScore,
		FeedbackComment: r.FeedbackComment,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

type counterRow struct {
	Value int64 `json:"value"`
}

// convert maps rows to models, failing on the first bad id.
func convert[R interface{ model() (M, error) }, M any](rows []R) ([]M, error) {
	out := make([]M, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// first converts the first row or returns ErrNotFound.
func first[R interface{ model() (M, error) }, M any](rows []R) (*M, error) {
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	m, err := rows[0].model()
	if err != nil {
		return nil, err
	}
	return &m, nil
}
