// Package service provides the reference backend's business logic:
// retrieval-augmented answer streaming, history and feedback, and ingestion.
package service

import "errors"

// Sentinel errors mapped to HTTP status codes by the server.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidScore   = errors.New("feedback_score must be -1, 0 or 1")
	ErrTopicNotFound  = errors.New("topic not found")
	ErrNotFound       = errors.New("not found")
)
