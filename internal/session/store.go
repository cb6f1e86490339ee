// Package session holds the in-memory transcript of one chat session.
//
// The Store is the single source of truth for turns. Whether a stream is in
// progress is derived from the presence of an open assistant turn, never
// tracked as a separate flag.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// Sentinel errors for store operations.
var (
	// ErrTurnNotFound indicates the turn does not exist, usually because the
	// transcript was cleared while a request was in flight.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrNoHistory indicates the turn has not been persisted by the backend,
	// so feedback cannot be attached to it yet.
	ErrNoHistory = errors.New("turn has no history id")
)

// FinalizeOptions carries backend persistence metadata for a closed turn.
type FinalizeOptions struct {
	HistoryID       *int64
	FeedbackScore   *int
	FeedbackComment *string
}

// Store is the ordered transcript for one session.
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	turns []*models.Turn
	index map[string]*models.Turn
	now   func() time.Time
	last  time.Time
}

// NewStore creates an empty transcript.
func NewStore() *Store {
	return &Store{
		index: make(map[string]*models.Turn),
		now:   time.Now,
	}
}

// newTurn builds a turn with a time-ordered id and a monotonic timestamp.
// Caller must hold the lock.
func (s *Store) newTurn(role models.Role, content string, open bool) *models.Turn {
	ts := s.now()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	s.last = ts

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	t := &models.Turn{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
		Open:      open,
	}
	s.turns = append(s.turns, t)
	s.index[t.ID] = t
	return t
}

// openTurn returns the currently open assistant turn, if any.
// Caller must hold the lock.
func (s *Store) openTurn() *models.Turn {
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Open {
			return s.turns[i]
		}
	}
	return nil
}

// AppendUserTurn appends a user turn with trimmed content.
// Returns false without appending when the trimmed text is empty.
func (s *Store) AppendUserTurn(text string) (models.Turn, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Turn{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTurn(models.RoleUser, text, false).Clone(), true
}

// AppendAssistantPlaceholder appends an empty open assistant turn.
// Returns false when another assistant turn is still open.
func (s *Store) AppendAssistantPlaceholder() (models.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openTurn() != nil {
		return models.Turn{}, false
	}
	return s.newTurn(models.RoleAssistant, "", true).Clone(), true
}

// BeginExchange appends a user turn and an open assistant placeholder as one
// atomic step. It fails when the text is blank or a stream is already open,
// leaving the transcript unchanged.
func (s *Store) BeginExchange(text string) (user, assistant models.Turn, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Turn{}, models.Turn{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openTurn() != nil {
		return models.Turn{}, models.Turn{}, false
	}
	u := s.newTurn(models.RoleUser, text, false)
	a := s.newTurn(models.RoleAssistant, "", true)
	return u.Clone(), a.Clone(), true
}

// AppendContentChunk concatenates delta onto an open turn.
// Missing or closed turns are ignored.
func (s *Store) AppendContentChunk(turnID, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[turnID]
	if !ok || !t.Open {
		return
	}
	t.Content += delta
}

// SetCitations sets the turn's citation list. Last write wins.
func (s *Store) SetCitations(turnID string, citations []models.Citation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[turnID]
	if !ok {
		return
	}
	c := make([]models.Citation, len(citations))
	copy(c, citations)
	t.Citations = c
}

// Finalize closes the turn and records backend persistence metadata.
// A history id that is already set is never replaced.
func (s *Store) Finalize(turnID string, opts FinalizeOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[turnID]
	if !ok {
		return
	}
	t.Open = false

	if opts.HistoryID == nil || t.HistoryID != nil {
		return
	}
	id := *opts.HistoryID
	t.HistoryID = &id
	t.FeedbackScore = copyInt(opts.FeedbackScore)
	t.FeedbackComment = copyString(opts.FeedbackComment)
}

// RecordError closes the turn. The fallback replaces content only when no
// chunks arrived, so partial answers stay visible.
func (s *Store) RecordError(turnID, fallback string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[turnID]
	if !ok {
		return
	}
	if t.Content == "" {
		t.Content = fallback
	}
	t.Open = false
}

// UpdateFeedback replaces the feedback fields of a persisted turn.
func (s *Store) UpdateFeedback(turnID string, score *int, comment *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	if t.HistoryID == nil {
		return ErrNoHistory
	}
	t.FeedbackScore = copyInt(score)
	t.FeedbackComment = copyString(comment)
	return nil
}

// Clear empties the transcript. Streams still in flight are not cancelled;
// their later updates find no turn and are dropped.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = nil
	s.index = make(map[string]*models.Turn)
}

// Turns returns a copy of the transcript in insertion order.
func (s *Store) Turns() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// Turn returns a copy of the identified turn.
func (s *Store) Turn(turnID string) (models.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[turnID]
	if !ok {
		return models.Turn{}, false
	}
	return t.Clone(), true
}

// TurnByHistoryID finds the turn persisted under the given history id.
func (s *Store) TurnByHistoryID(historyID int64) (models.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.turns {
		if t.HistoryID != nil && *t.HistoryID == historyID {
			return t.Clone(), true
		}
	}
	return models.Turn{}, false
}

// LastAssistantTurn returns the most recent assistant turn.
func (s *Store) LastAssistantTurn() (models.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == models.RoleAssistant {
			return s.turns[i].Clone(), true
		}
	}
	return models.Turn{}, false
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// IsStreaming reports whether an assistant turn is still open.
func (s *Store) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openTurn() != nil
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
