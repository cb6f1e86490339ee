package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/client"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend scripts stream events and records persistence calls.
type fakeBackend struct {
	mu sync.Mutex

	events    []models.StreamEvent
	streamErr error
	// gate runs before event i is delivered.
	gate func(i int)

	streamCalls int
	saved       []models.HistoryInput
	saveErr     error
	nextID      int64

	feedback     []models.FeedbackInput
	feedbackErr  error
	feedbackGate func()
	// echo lets a test alter what the backend reports as stored.
	echo func(models.FeedbackInput) models.FeedbackInput
}

func (f *fakeBackend) StreamAnswer(ctx context.Context, _ models.StreamRequest, cb client.StreamCallback) error {
	f.mu.Lock()
	f.streamCalls++
	events := f.events
	gate := f.gate
	streamErr := f.streamErr
	f.mu.Unlock()

	for i, e := range events {
		if gate != nil {
			gate(i)
		}
		e.Index = i
		if err := cb(e); err != nil {
			return err
		}
		if e.IsTerminal() {
			return nil
		}
	}
	return streamErr
}

func (f *fakeBackend) SaveHistory(_ context.Context, in models.HistoryInput) (*models.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, in)
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.nextID++
	score := 0
	return &models.HistoryRecord{
		ID:            41 + f.nextID,
		TopicID:       in.TopicID,
		SessionID:     in.SessionID,
		Question:      in.Question,
		Answer:        in.Answer,
		FeedbackScore: &score,
	}, nil
}

func (f *fakeBackend) SubmitFeedback(_ context.Context, id int64, in models.FeedbackInput) (*models.HistoryRecord, error) {
	if f.feedbackGate != nil {
		f.feedbackGate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, in)
	if f.feedbackErr != nil {
		return nil, f.feedbackErr
	}
	if f.echo != nil {
		in = f.echo(in)
	}
	score := in.FeedbackScore
	return &models.HistoryRecord{ID: id, FeedbackScore: &score, FeedbackComment: in.FeedbackComment}, nil
}

func (f *fakeBackend) calls() (stream, save, feedback int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls, len(f.saved), len(f.feedback)
}

func chunk(s string) models.StreamEvent {
	return models.StreamEvent{Type: models.EventAnswerChunk, Content: s}
}

func done() models.StreamEvent {
	return models.StreamEvent{Type: models.EventDone}
}

func citations(c ...models.Citation) models.StreamEvent {
	return models.StreamEvent{Type: models.EventCitations, Citations: c}
}

var testCitation = models.Citation{
	SourceID:   1,
	Title:      "Test",
	Content:    "Test content",
	Score:      0.9,
	SourceType: "markdown",
}

func newEngine(backend chat.Backend, h chat.Handlers) *chat.Engine {
	return chat.New(chat.Config{
		TopicID:   1,
		SessionID: "test-session",
		Backend:   backend,
		Handlers:  h,
	})
}

func TestEndToEndOverHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rag/stream", func(w http.ResponseWriter, r *http.Request) {
		var req models.StreamRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(1), req.TopicID)
		assert.Equal(t, "Test question", req.Question)
		assert.Equal(t, "test-session", req.SessionID)

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type":"answer_chunk","content":"Hello"}`,
			`{"type":"answer_chunk","content":" world"}`,
			`{"type":"citations","citations":[{"context_item_id":1,"title":"Test","content":"Test content","score":0.9,"context_type":"markdown"}]}`,
			`{"type":"done"}`,
		}
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("POST /history", func(w http.ResponseWriter, r *http.Request) {
		var in models.HistoryInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "Hello world", in.Answer)
		assert.Equal(t, "Test question", in.Question)
		assert.Equal(t, "test-session", in.SessionID)
		_, _ = io.WriteString(w, `{"id":42,"feedback_score":0,"feedback_comment":null}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := newEngine(client.New(srv.URL), chat.Handlers{})
	res := engine.SendMessage(context.Background(), "Test question")
	require.True(t, res.Sent)
	require.NoError(t, res.Err)

	turns := engine.Store().Turns()
	require.Len(t, turns, 2)

	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "Test question", turns[0].Content)

	a := turns[1]
	assert.Equal(t, models.RoleAssistant, a.Role)
	assert.Equal(t, "Hello world", a.Content)
	assert.Equal(t, []models.Citation{testCitation}, a.Citations)
	require.NotNil(t, a.HistoryID)
	assert.Equal(t, int64(42), *a.HistoryID)
	require.NotNil(t, a.FeedbackScore)
	assert.Equal(t, 0, *a.FeedbackScore)
	assert.Nil(t, a.FeedbackComment)
	assert.False(t, a.Open)
	assert.False(t, engine.Store().IsStreaming())
}

func TestSequentialExchangesAlternate(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{chunk("ok"), done()}}
	engine := newEngine(backend, chat.Handlers{})

	for i := 0; i < 3; i++ {
		res := engine.SendMessage(context.Background(), fmt.Sprintf("question %d", i))
		require.True(t, res.Sent)
	}

	turns := engine.Store().Turns()
	require.Len(t, turns, 6)
	for i, turn := range turns {
		if i%2 == 0 {
			assert.Equal(t, models.RoleUser, turn.Role)
		} else {
			assert.Equal(t, models.RoleAssistant, turn.Role)
			assert.False(t, turn.Open)
		}
	}
}

func TestSendWhileStreamingIsNoop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{
		events: []models.StreamEvent{chunk("a"), done()},
		gate: func(i int) {
			if i == 1 {
				close(started)
				<-release
			}
		},
	}
	engine := newEngine(backend, chat.Handlers{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.SendMessage(context.Background(), "first")
	}()

	<-started
	assert.True(t, engine.Store().IsStreaming())

	res := engine.SendMessage(context.Background(), "second")
	assert.False(t, res.Sent)
	assert.Equal(t, 2, engine.Store().Len())

	close(release)
	wg.Wait()

	stream, _, _ := backend.calls()
	assert.Equal(t, 1, stream)
	assert.Equal(t, 2, engine.Store().Len())
}

func TestCitationsIndependentOfFramePosition(t *testing.T) {
	for pos := 0; pos <= 3; pos++ {
		t.Run(fmt.Sprintf("citations at %d", pos), func(t *testing.T) {
			events := []models.StreamEvent{chunk("a"), chunk("b"), chunk("c")}
			events = append(events[:pos], append([]models.StreamEvent{citations(testCitation)}, events[pos:]...)...)
			events = append(events, done())

			var engine *chat.Engine
			engine = newEngine(&fakeBackend{events: events}, chat.Handlers{
				OnChunk: func(turnID, _ string) {
					turn, ok := engine.Store().Turn(turnID)
					require.True(t, ok)
					assert.Nil(t, turn.Citations, "citations must stay buffered until done")
				},
			})

			res := engine.SendMessage(context.Background(), "q")
			require.NoError(t, res.Err)
			assert.Equal(t, "abc", res.AssistantTurn.Content)
			assert.Equal(t, []models.Citation{testCitation}, res.AssistantTurn.Citations)
		})
	}
}

func TestMissingCitationsFrameLeavesCitationsAbsent(t *testing.T) {
	engine := newEngine(&fakeBackend{events: []models.StreamEvent{chunk("x"), done()}}, chat.Handlers{})
	res := engine.SendMessage(context.Background(), "q")
	require.NoError(t, res.Err)
	assert.Nil(t, res.AssistantTurn.Citations)
}

func TestErrorFrameUsesFallback(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{
		{Type: models.EventError, Message: "Stream error"},
	}}

	var gotErr error
	engine := newEngine(backend, chat.Handlers{
		OnError: func(_ string, err error) { gotErr = err },
	})

	res := engine.SendMessage(context.Background(), "q")
	require.Error(t, gotErr)
	assert.Equal(t, "Stream error", gotErr.Error())

	var streamErr *chat.StreamError
	assert.True(t, errors.As(gotErr, &streamErr))

	assert.Equal(t, chat.DefaultFallbackMessage, res.AssistantTurn.Content)
	assert.False(t, res.AssistantTurn.Open)
	assert.Nil(t, res.AssistantTurn.HistoryID)

	_, saves, _ := backend.calls()
	assert.Zero(t, saves)
}

func TestTransportFailureKeepsPartialContent(t *testing.T) {
	boom := errors.New("connection reset")
	backend := &fakeBackend{
		events:    []models.StreamEvent{chunk("Processing")},
		streamErr: boom,
	}

	var gotErr error
	engine := newEngine(backend, chat.Handlers{
		OnError: func(_ string, err error) { gotErr = err },
	})

	res := engine.SendMessage(context.Background(), "q")
	assert.ErrorIs(t, gotErr, boom)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, "Processing", res.AssistantTurn.Content)
	assert.False(t, engine.Store().IsStreaming())
}

func TestStreamEndingWithoutDoneIsError(t *testing.T) {
	engine := newEngine(&fakeBackend{}, chat.Handlers{})
	res := engine.SendMessage(context.Background(), "q")
	assert.ErrorIs(t, res.Err, client.ErrStreamEnded)
	assert.Equal(t, chat.DefaultFallbackMessage, res.AssistantTurn.Content)
}

func TestPersistenceFailureIsNotAStreamError(t *testing.T) {
	collector := metrics.NewCollector()
	backend := &fakeBackend{
		events:  []models.StreamEvent{chunk("answer"), citations(testCitation), done()},
		saveErr: errors.New("database down"),
	}

	var onErrorCalled bool
	engine := chat.New(chat.Config{
		TopicID:   1,
		SessionID: "s",
		Backend:   backend,
		Metrics:   collector,
		Handlers: chat.Handlers{
			OnError: func(string, error) { onErrorCalled = true },
		},
	})

	res := engine.SendMessage(context.Background(), "q")
	assert.NoError(t, res.Err)
	assert.False(t, onErrorCalled)
	finalized := res.AssistantTurn
	assert.False(t, finalized.Open)
	assert.Equal(t, "answer", finalized.Content)
	assert.Len(t, finalized.Citations, 1)
	assert.Nil(t, finalized.HistoryID)
	assert.False(t, finalized.CanReceiveFeedback())

	op := collector.Snapshot().Operations[metrics.OpHistorySaveFailed]
	require.NotNil(t, op)
	assert.Equal(t, int64(1), op.Failures)

	err := engine.SubmitFeedback(context.Background(), finalized.ID, 1, "")
	assert.ErrorIs(t, err, session.ErrNoHistory)
}

func TestBlankInputIgnored(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{done()}}
	engine := newEngine(backend, chat.Handlers{})

	for _, text := range []string{"", "   ", "\n\t"} {
		res := engine.SendMessage(context.Background(), text)
		assert.False(t, res.Sent)
	}

	assert.Zero(t, engine.Store().Len())
	stream, _, _ := backend.calls()
	assert.Zero(t, stream)
}

func TestNoTopicIgnored(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{done()}}
	engine := newEngine(backend, chat.Handlers{})
	engine.SetTopic(0)

	res := engine.SendMessage(context.Background(), "hello")
	assert.False(t, res.Sent)
	assert.Zero(t, engine.Store().Len())
}

func TestClearDuringStream(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{
		events: []models.StreamEvent{chunk("a"), chunk("b"), citations(testCitation), done()},
		gate: func(i int) {
			if i == 1 {
				close(started)
				<-release
			}
		},
	}
	engine := newEngine(backend, chat.Handlers{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NotPanics(t, func() {
			engine.SendMessage(context.Background(), "q")
		})
	}()

	<-started
	engine.Clear()
	close(release)
	wg.Wait()

	assert.Zero(t, engine.Store().Len())
	_, saves, _ := backend.calls()
	assert.Zero(t, saves)
}

func TestClearAfterTurns(t *testing.T) {
	engine := newEngine(&fakeBackend{events: []models.StreamEvent{chunk("a"), done()}}, chat.Handlers{})
	engine.SendMessage(context.Background(), "one")
	engine.SendMessage(context.Background(), "two")
	require.Equal(t, 4, engine.Store().Len())

	engine.Clear()
	assert.Zero(t, engine.Store().Len())
}

// =============================================================================
// FEEDBACK
// =============================================================================

func sendOne(t *testing.T, engine *chat.Engine) models.Turn {
	t.Helper()
	res := engine.SendMessage(context.Background(), "q")
	require.NoError(t, res.Err)
	require.NotNil(t, res.AssistantTurn.HistoryID)
	return res.AssistantTurn
}

func TestFeedbackReplacesWithEchoedValues(t *testing.T) {
	backend := &fakeBackend{
		events: []models.StreamEvent{chunk("a"), done()},
		echo: func(in models.FeedbackInput) models.FeedbackInput {
			if in.FeedbackComment != nil {
				stored := "stored: " + *in.FeedbackComment
				in.FeedbackComment = &stored
			}
			return in
		},
	}
	engine := newEngine(backend, chat.Handlers{})
	turn := sendOne(t, engine)

	require.NoError(t, engine.SubmitFeedback(context.Background(), turn.ID, 1, "great"))
	require.NoError(t, engine.SubmitFeedback(context.Background(), turn.ID, -1, "not great"))

	got, ok := engine.Store().Turn(turn.ID)
	require.True(t, ok)
	require.NotNil(t, got.FeedbackScore)
	assert.Equal(t, -1, *got.FeedbackScore)
	require.NotNil(t, got.FeedbackComment)
	assert.Equal(t, "stored: not great", *got.FeedbackComment)
}

func TestFeedbackCommentNormalized(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{chunk("a"), done()}}
	engine := newEngine(backend, chat.Handlers{})
	turn := sendOne(t, engine)

	require.NoError(t, engine.SubmitFeedback(context.Background(), turn.ID, 1, "   "))
	require.NoError(t, engine.SubmitFeedback(context.Background(), turn.ID, 1, "  nice  "))

	require.Len(t, backend.feedback, 2)
	assert.Nil(t, backend.feedback[0].FeedbackComment)
	require.NotNil(t, backend.feedback[1].FeedbackComment)
	assert.Equal(t, "nice", *backend.feedback[1].FeedbackComment)
}

func TestFeedbackInvalidScore(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{chunk("a"), done()}}

	var reported error
	engine := newEngine(backend, chat.Handlers{
		OnFeedbackError: func(_ string, err error) { reported = err },
	})
	turn := sendOne(t, engine)

	err := engine.SubmitFeedback(context.Background(), turn.ID, 2, "")
	assert.ErrorIs(t, err, chat.ErrInvalidScore)
	assert.ErrorIs(t, reported, chat.ErrInvalidScore)

	_, _, fb := backend.calls()
	assert.Zero(t, fb)
}

func TestFeedbackFailureLeavesTurnUnchanged(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{chunk("a"), done()}}
	var reported error
	engine := newEngine(backend, chat.Handlers{
		OnFeedbackError: func(_ string, err error) { reported = err },
	})
	turn := sendOne(t, engine)

	backend.feedbackErr = &client.APIError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	err := engine.SubmitFeedback(context.Background(), turn.ID, 1, "x")
	require.Error(t, err)
	assert.True(t, client.IsStatus(err, http.StatusInternalServerError))
	assert.Equal(t, err, reported)

	got, _ := engine.Store().Turn(turn.ID)
	assert.Equal(t, turn.FeedbackScore, got.FeedbackScore)
	assert.Nil(t, got.FeedbackComment)
}

func TestFeedbackUnknownTurn(t *testing.T) {
	engine := newEngine(&fakeBackend{}, chat.Handlers{})
	err := engine.SubmitFeedback(context.Background(), "missing", 1, "")
	assert.ErrorIs(t, err, session.ErrTurnNotFound)
}

func TestFeedbackInFlightRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	backend := &fakeBackend{events: []models.StreamEvent{chunk("a"), done()}}
	engine := newEngine(backend, chat.Handlers{})
	turn := sendOne(t, engine)

	backend.feedbackGate = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, engine.SubmitFeedback(context.Background(), turn.ID, 1, ""))
	}()

	<-entered
	err := engine.SubmitFeedback(context.Background(), turn.ID, -1, "")
	assert.ErrorIs(t, err, chat.ErrFeedbackInFlight)

	close(release)
	wg.Wait()

	require.NoError(t, engine.SubmitFeedback(context.Background(), turn.ID, -1, ""))
}

func TestSubmitFeedbackForHistory(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{chunk("a"), done()}}
	engine := newEngine(backend, chat.Handlers{})
	turn := sendOne(t, engine)

	rec, err := engine.SubmitFeedbackForHistory(context.Background(), *turn.HistoryID, 1, "good")
	require.NoError(t, err)
	assert.Equal(t, *turn.HistoryID, rec.ID)
	got, _ := engine.Store().Turn(turn.ID)
	require.NotNil(t, got.FeedbackComment)
	assert.Equal(t, "good", *got.FeedbackComment)
}

func TestSubmitFeedbackForHistoryOutsideTranscript(t *testing.T) {
	backend := &fakeBackend{}
	engine := newEngine(backend, chat.Handlers{})

	rec, err := engine.SubmitFeedbackForHistory(context.Background(), 999, -1, "  wrong policy  ")
	require.NoError(t, err)
	assert.Equal(t, int64(999), rec.ID)
	require.NotNil(t, rec.FeedbackScore)
	assert.Equal(t, -1, *rec.FeedbackScore)

	require.Len(t, backend.feedback, 1)
	require.NotNil(t, backend.feedback[0].FeedbackComment)
	assert.Equal(t, "wrong policy", *backend.feedback[0].FeedbackComment)
	assert.Zero(t, engine.Store().Len())

	_, err = engine.SubmitFeedbackForHistory(context.Background(), 999, 1, " ")
	require.NoError(t, err)
	assert.Nil(t, backend.feedback[1].FeedbackComment)
}

func TestSubmitFeedbackForHistoryErrors(t *testing.T) {
	backend := &fakeBackend{}
	var reported []error
	engine := newEngine(backend, chat.Handlers{
		OnFeedbackError: func(_ string, err error) { reported = append(reported, err) },
	})

	_, err := engine.SubmitFeedbackForHistory(context.Background(), 5, 3, "")
	assert.ErrorIs(t, err, chat.ErrInvalidScore)
	_, _, fb := backend.calls()
	assert.Zero(t, fb)

	backend.feedbackErr = &client.APIError{StatusCode: http.StatusNotFound, Message: "history not found"}
	_, err = engine.SubmitFeedbackForHistory(context.Background(), 5, 1, "")
	assert.True(t, client.IsStatus(err, http.StatusNotFound))
	assert.Len(t, reported, 2)
}

func TestFeedbackWhileAnotherExchangeStreams(t *testing.T) {
	backend := &fakeBackend{events: []models.StreamEvent{chunk("first"), done()}}
	engine := newEngine(backend, chat.Handlers{})
	first := sendOne(t, engine)

	streaming := make(chan struct{})
	release := make(chan struct{})
	backend.mu.Lock()
	backend.events = []models.StreamEvent{chunk("second"), done()}
	backend.gate = func(i int) {
		if i == 1 {
			close(streaming)
			<-release
		}
	}
	backend.mu.Unlock()

	resCh := make(chan chat.Result, 1)
	go func() { resCh <- engine.SendMessage(context.Background(), "q2") }()

	<-streaming
	open, ok := engine.Store().LastAssistantTurn()
	require.True(t, ok)
	assert.True(t, open.Open)

	require.NoError(t, engine.SubmitFeedback(context.Background(), first.ID, -1, "stale"))
	rated, _ := engine.Store().Turn(first.ID)
	require.NotNil(t, rated.FeedbackScore)
	assert.Equal(t, -1, *rated.FeedbackScore)

	close(release)
	res := <-resCh
	require.NoError(t, res.Err)
	assert.Equal(t, "second", res.AssistantTurn.Content)
	assert.False(t, res.AssistantTurn.Open)
	require.NotNil(t, res.AssistantTurn.HistoryID)
	assert.NotEqual(t, *first.HistoryID, *res.AssistantTurn.HistoryID)
	require.NotNil(t, res.AssistantTurn.FeedbackScore)
	assert.Equal(t, 0, *res.AssistantTurn.FeedbackScore)

	rated, _ = engine.Store().Turn(first.ID)
	assert.Equal(t, "first", rated.Content)
	assert.Equal(t, -1, *rated.FeedbackScore)
	require.NotNil(t, rated.FeedbackComment)
	assert.Equal(t, "stale", *rated.FeedbackComment)
}
