package models

import "time"

// Topic groups context items that answers are retrieved from.
type Topic struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContextItem is a retrievable passage belonging to a topic.
type ContextItem struct {
	ID          int64     `json:"id"`
	TopicID     int64     `json:"topic_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContextType string    `json:"context_type"`
	SourcePath  *string   `json:"source_path,omitempty"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`

	// Embedding is written at ingestion and never read back.
	Embedding []float32 `json:"-"`
}

// Context types understood by the retrieval pipeline.
const (
	ContextTypeMarkdown = "markdown"
	ContextTypeText     = "text"
)

// ScoredContextItem pairs a context item with its normalized relevance (0..1).
type ScoredContextItem struct {
	ContextItem
	Score float64 `json:"score"`
}

// Citation converts a scored item into the citation shape sent to clients.
func (s ScoredContextItem) Citation() Citation {
	return Citation{
		SourceID:   s.ID,
		Title:      s.Title,
		Content:    s.Content,
		Score:      s.Score,
		SourceType: s.ContextType,
	}
}
