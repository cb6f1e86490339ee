package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/raphaelgruber/kbchat/internal/db"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/server"
	"github.com/raphaelgruber/kbchat/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret"

type fakeTopics struct{ topics []models.Topic }

func (f *fakeTopics) ListTopics(context.Context) ([]models.Topic, error) { return f.topics, nil }

type fakeStreamer struct {
	events []models.StreamEvent
	err    error
}

func (f *fakeStreamer) Stream(_ context.Context, _ models.StreamRequest, emit service.Emitter) error {
	if f.err != nil {
		return f.err
	}
	for _, e := range f.events {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

type fakeHistoryStore struct {
	mu   sync.Mutex
	recs map[int64]*models.HistoryRecord
	next int64
}

func (f *fakeHistoryStore) CreateHistory(_ context.Context, in models.HistoryInput) (*models.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	zero := 0
	rec := &models.HistoryRecord{ID: f.next, TopicID: in.TopicID, SessionID: in.SessionID, Question: in.Question, Answer: in.Answer, FeedbackScore: &zero}
	f.recs[rec.ID] = rec
	c := *rec
	return &c, nil
}

func (f *fakeHistoryStore) GetHistory(_ context.Context, id int64) (*models.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (f *fakeHistoryStore) ListHistoryBySession(_ context.Context, sessionID string) ([]models.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.HistoryRecord
	for id := int64(1); id <= f.next; id++ {
		if rec := f.recs[id]; rec != nil && rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeHistoryStore) UpdateFeedback(_ context.Context, id int64, score int, comment *string) (*models.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	rec.FeedbackScore = &score
	rec.FeedbackComment = comment
	c := *rec
	return &c, nil
}

func newTestServer(t *testing.T, streamer server.Streamer) *httptest.Server {
	t.Helper()
	if streamer == nil {
		streamer = &fakeStreamer{}
	}
	srv := server.New(":0", server.Deps{
		Topics:  &fakeTopics{topics: []models.Topic{{ID: 1, Name: "Billing"}}},
		RAG:     streamer,
		History: service.NewHistoryService(&fakeHistoryStore{recs: map[int64]*models.HistoryRecord{}}, nil),
		Metrics: metrics.NewCollector(),
		Token:   testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthNeedsNoToken(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerTokenRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/topics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.NotEmpty(t, body["detail"])
}

func TestListTopics(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := do(t, ts, http.MethodGet, "/topics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Data []models.Topic `json:"data"`
	}](t, resp)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "Billing", body.Data[0].Name)
}

func TestStreamWritesSSEFrames(t *testing.T) {
	ts := newTestServer(t, &fakeStreamer{events: []models.StreamEvent{
		{Type: models.EventAnswerChunk, Content: "Hello"},
		{Type: models.EventCitations, Citations: []models.Citation{{SourceID: 3, Title: "Doc", Score: 0.9}}},
		{Type: models.EventDone},
	}})

	resp := do(t, ts, http.MethodPost, "/rag/stream", `{"topic_id":1,"question":"hi","session_id":"s"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"type":"answer_chunk","content":"Hello"}`, frames[0])
	assert.Contains(t, frames[1], `"context_item_id":3`)
	assert.JSONEq(t, `{"type":"done"}`, frames[2])
}

func TestStreamRecordsVolume(t *testing.T) {
	ts := newTestServer(t, &fakeStreamer{events: []models.StreamEvent{
		{Type: models.EventAnswerChunk, Content: "Hello"},
		{Type: models.EventAnswerChunk, Content: " world"},
		{Type: models.EventCitations, Citations: []models.Citation{{SourceID: 3, Title: "Doc", Score: 0.9}}},
		{Type: models.EventDone},
	}})

	resp := do(t, ts, http.MethodPost, "/rag/stream", `{"topic_id":1,"question":"hi","session_id":"s"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)

	snap := decode[metrics.Snapshot](t, do(t, ts, http.MethodGet, "/stats", ""))
	op := snap.Operations[metrics.OpStream]
	require.NotNil(t, op)
	assert.Equal(t, int64(1), op.Count)
	assert.Zero(t, op.Failures)
	require.NotNil(t, op.TotalChunks)
	assert.Equal(t, int64(2), *op.TotalChunks)
	require.NotNil(t, op.TotalBytes)
	assert.Equal(t, int64(11), *op.TotalBytes)
}

func TestStreamErrorsBeforeOutputUseStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", service.ErrInvalidRequest, http.StatusBadRequest},
		{"unknown topic", service.ErrTopicNotFound, http.StatusNotFound},
		{"internal", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeStreamer{err: tt.err})
			resp := do(t, ts, http.MethodPost, "/rag/stream", `{"topic_id":1,"question":"hi"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestStreamRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := do(t, ts, http.MethodPost, "/rag/stream", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryAndFeedback(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := do(t, ts, http.MethodPost, "/history", `{"topic_id":1,"question":"Q","answer":"A","session_id":"s1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[models.HistoryRecord](t, resp)
	assert.Equal(t, int64(1), rec.ID)
	require.NotNil(t, rec.FeedbackScore)
	assert.Equal(t, 0, *rec.FeedbackScore)

	resp = do(t, ts, http.MethodPatch, "/history/1/feedback", `{"feedback_score":1,"feedback_comment":" nice "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec = decode[models.HistoryRecord](t, resp)
	assert.Equal(t, 1, *rec.FeedbackScore)
	require.NotNil(t, rec.FeedbackComment)
	assert.Equal(t, "nice", *rec.FeedbackComment)

	resp = do(t, ts, http.MethodPatch, "/history/1/feedback", `{"feedback_score":5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPatch, "/history/99/feedback", `{"feedback_score":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/history/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/history/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Q", decode[models.HistoryRecord](t, resp).Question)

	resp = do(t, ts, http.MethodGet, "/history?session_id=s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Data []models.HistoryRecord `json:"data"`
	}](t, resp)
	assert.Len(t, list.Data, 1)

	resp = do(t, ts, http.MethodGet, "/history", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, nil)
	do(t, ts, http.MethodPost, "/history", `{"topic_id":1,"question":"Q","answer":"A","session_id":"s"}`)

	resp := do(t, ts, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[metrics.Snapshot](t, resp)
	assert.Contains(t, snap.Operations, metrics.OpHistorySave)
}
