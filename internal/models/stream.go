package models

// StreamEventType discriminates frames of the answer stream.
type StreamEventType string

const (
	EventAnswerChunk StreamEventType = "answer_chunk"
	EventCitations   StreamEventType = "citations"
	EventDone        StreamEventType = "done"
	EventError       StreamEventType = "error"
)

// StreamEvent is the JSON payload of one `data:` frame.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Content   string          `json:"content,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
	Message   string          `json:"message,omitempty"`

	// Index is the zero-based position of the event within its stream.
	Index int `json:"-"`
}

// IsTerminal reports whether the event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
