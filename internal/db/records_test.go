package db

import (
	"errors"
	"testing"
	"time"

	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordInt(t *testing.T) {
	tests := []struct {
		name    string
		id      any
		want    int64
		wantErr bool
	}{
		{"int64", int64(42), 42, false},
		{"uint64", uint64(7), 7, false},
		{"int", 3, 3, false},
		{"string key", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := recordInt(surrealmodels.NewRecordID("history", tt.id))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeScore(t *testing.T) {
	assert.Equal(t, 1.0, normalizeScore(4.2, 4.2))
	assert.InDelta(t, 0.5, normalizeScore(2.1, 4.2), 1e-9)
	assert.Equal(t, 0.0, normalizeScore(1, 0))
	assert.Equal(t, 0.0, normalizeScore(-1, 3))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity(0))
	assert.InDelta(t, 0.75, similarity(0.25), 1e-9)
	assert.Equal(t, 0.0, similarity(1.5))
	assert.Equal(t, 1.0, similarity(-0.1))
}

func TestHistoryRowModel(t *testing.T) {
	score := 0
	now := time.Now()
	row := historyRow{
		ID:            surrealmodels.NewRecordID("history", int64(42)),
		TopicID:       1,
		SessionID:     "test-session",
		Question:      "q",
		Answer:        "a",
		FeedbackScore: &score,
		CreatedAt:     now,
	}

	rec, err := row.model()
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, 0, *rec.FeedbackScore)
	assert.Nil(t, rec.FeedbackComment)
}

func TestFirstEmpty(t *testing.T) {
	_, err := first[topicRow, models.Topic](nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWrapQueryErrorPassThrough(t *testing.T) {
	plain := errors.New("socket closed")
	assert.Same(t, plain, wrapQueryError(plain))
	assert.NoError(t, wrapQueryError(nil))
}
