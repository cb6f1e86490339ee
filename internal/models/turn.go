// Package models defines data structures shared by the kbchat client and server.
package models

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Citation references a source passage backing part of an answer.
// The JSON shape is identical on the wire and in memory.
type Citation struct {
	SourceID   int64   `json:"context_item_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	SourceType string  `json:"context_type"`
}

// Turn is one message in a chat transcript.
type Turn struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Set once at finalization, nil until then.
	Citations []Citation `json:"citations,omitempty"`

	// Backend persistence metadata. HistoryID is nil until the exchange is stored.
	HistoryID       *int64  `json:"history_id,omitempty"`
	FeedbackScore   *int    `json:"feedback_score,omitempty"`
	FeedbackComment *string `json:"feedback_comment,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Open is true while an assistant turn is still receiving stream events.
	Open bool `json:"-"`
}

// CanReceiveFeedback reports whether the backend has persisted this turn.
func (t Turn) CanReceiveFeedback() bool {
	return t.HistoryID != nil
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (t Turn) Clone() Turn {
	c := t
	if t.Citations != nil {
		c.Citations = make([]Citation, len(t.Citations))
		copy(c.Citations, t.Citations)
	}
	if t.HistoryID != nil {
		id := *t.HistoryID
		c.HistoryID = &id
	}
	if t.FeedbackScore != nil {
		s := *t.FeedbackScore
		c.FeedbackScore = &s
	}
	if t.FeedbackComment != nil {
		s := *t.FeedbackComment
		c.FeedbackComment = &s
	}
	return c
}

// ValidFeedbackScore reports whether score is one of -1, 0 or 1.
func ValidFeedbackScore(score int) bool {
	return score >= -1 && score <= 1
}
