package models

import "time"

// HistoryRecord is a persisted question/answer exchange.
type HistoryRecord struct {
	ID              int64     `json:"id"`
	TopicID         int64     `json:"topic_id"`
	SessionID       string    `json:"session_id"`
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	FeedbackScore   *int      `json:"feedback_score"`
	FeedbackComment *string   `json:"feedback_comment"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HistoryInput is the body of POST /history.
type HistoryInput struct {
	TopicID   int64  `json:"topic_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
}

// FeedbackInput is the body of PATCH /history/{id}/feedback.
// A nil comment is sent as JSON null, which the backend treats as "no comment".
type FeedbackInput struct {
	FeedbackScore   int     `json:"feedback_score"`
	FeedbackComment *string `json:"feedback_comment"`
}

// StreamRequest is the body of POST /rag/stream.
type StreamRequest struct {
	TopicID   int64  `json:"topic_id"`
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}
