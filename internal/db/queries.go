package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/kbchat/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// =============================================================================
// ID ALLOCATION
// =============================================================================

// ReserveIDs allocates n consecutive integer ids for table and returns the
// first one.
func (c *Client) ReserveIDs(ctx context.Context, table string, n int) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("reserve ids: n must be positive, got %d", n)
	}
	rows, err := query[counterRow](ctx, c, `
		UPSERT type::record("counter", $table) SET value += $n RETURN AFTER
	`, map[string]any{"table": table, "n": n})
	if err != nil {
		return 0, fmt.Errorf("reserve %s ids: %w", table, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("reserve %s ids: empty counter result", table)
	}
	return rows[0].Value - int64(n) + 1, nil
}

// NextID allocates one integer id for table.
func (c *Client) NextID(ctx context.Context, table string) (int64, error) {
	return c.ReserveIDs(ctx, table, 1)
}

// =============================================================================
// TOPICS
// =============================================================================

// CreateTopic creates a topic. Returns ErrAlreadyExists if the name is taken.
func (c *Client) CreateTopic(ctx context.Context, name, description string) (*models.Topic, error) {
	id, err := c.NextID(ctx, "topic")
	if err != nil {
		return nil, err
	}

	rows, err := query[topicRow](ctx, c, `
		CREATE type::record("topic", $id) CONTENT {
			name: $name,
			description: $description
		}
	`, map[string]any{"id": id, "name": name, "description": description})
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	return first[topicRow, models.Topic](rows)
}

// ListTopics returns all topics ordered by name.
func (c *Client) ListTopics(ctx context.Context) ([]models.Topic, error) {
	rows, err := query[topicRow](ctx, c, `SELECT * FROM topic ORDER BY name`, nil)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return convert[topicRow, models.Topic](rows)
}

// GetTopic returns a topic by id, or ErrNotFound.
func (c *Client) GetTopic(ctx context.Context, id int64) (*models.Topic, error) {
	rows, err := query[topicRow](ctx, c, `
		SELECT * FROM type::record("topic", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return first[topicRow, models.Topic](rows)
}

// GetTopicByName returns a topic by its unique name, or ErrNotFound.
func (c *Client) GetTopicByName(ctx context.Context, name string) (*models.Topic, error) {
	rows, err := query[topicRow](ctx, c, `
		SELECT * FROM topic WHERE name = $name LIMIT 1
	`, map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("get topic by name: %w", err)
	}
	return first[topicRow, models.Topic](rows)
}

// =============================================================================
// CONTEXT ITEMS
// =============================================================================

// InsertContextItems stores items under topicID and returns them with ids
// assigned. Item ids and topic ids in the input are ignored.
func (c *Client) InsertContextItems(ctx context.Context, topicID int64, items []models.ContextItem) ([]models.ContextItem, error) {
	if len(items) == 0 {
		return []models.ContextItem{}, nil
	}

	firstID, err := c.ReserveIDs(ctx, "context_item", len(items))
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		contextType := item.ContextType
		if contextType == "" {
			contextType = models.ContextTypeMarkdown
		}
		rec := map[string]any{
			"id":           surrealmodels.NewRecordID("context_item", firstID+int64(i)),
			"topic_id":     topicID,
			"title":        item.Title,
			"content":      item.Content,
			"context_type": contextType,
			"position":     item.Position,
		}
		// option<string> rejects NULL, so omit instead
		if item.SourcePath != nil {
			rec["source_path"] = *item.SourcePath
		}
		if len(item.Embedding) > 0 {
			rec["embedding"] = item.Embedding
		}
		records = append(records, rec)
	}

	rows, err := query[contextItemRow](ctx, c, `INSERT INTO context_item $items`, map[string]any{"items": records})
	if err != nil {
		return nil, fmt.Errorf("insert context items: %w", err)
	}
	return convert[contextItemRow, models.ContextItem](rows)
}

// DeleteContextItems removes a topic's items, optionally only those ingested
// from sourcePath. Returns the number deleted.
func (c *Client) DeleteContextItems(ctx context.Context, topicID int64, sourcePath *string) (int, error) {
	sql := `DELETE context_item WHERE topic_id = $topic RETURN BEFORE`
	vars := map[string]any{"topic": topicID}
	if sourcePath != nil {
		sql = `DELETE context_item WHERE topic_id = $topic AND source_path = $source RETURN BEFORE`
		vars["source"] = *sourcePath
	}

	rows, err := query[contextItemRow](ctx, c, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("delete context items: %w", err)
	}
	return len(rows), nil
}

// SearchContextItems runs BM25 full-text search within a topic. Scores are
// normalized so the best hit is 1.0.
func (c *Client) SearchContextItems(ctx context.Context, topicID int64, q string, limit int) ([]models.ScoredContextItem, error) {
	q = strings.TrimSpace(q)
	if q == "" || limit <= 0 {
		return []models.ScoredContextItem{}, nil
	}

	rows, err := query[contextItemRow](ctx, c, `
		SELECT `+contextItemFields+`, search::score(0) AS score
		FROM context_item
		WHERE topic_id = $topic AND content @0@ $q
		ORDER BY score DESC
		LIMIT $limit
	`, map[string]any{"topic": topicID, "q": q, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("search context items: %w", err)
	}

	maxScore := 0.0
	for _, r := range rows {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}

	out := make([]models.ScoredContextItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredContextItem{
			ContextItem: item,
			Score:       normalizeScore(r.Score, maxScore),
		})
	}
	return out, nil
}

// SearchContextItemsByVector returns a topic's nearest items to embedding by
// cosine distance. Score is cosine similarity clamped to [0, 1].
func (c *Client) SearchContextItemsByVector(ctx context.Context, topicID int64, embedding []float32, limit int) ([]models.ScoredContextItem, error) {
	if len(embedding) == 0 || limit <= 0 {
		return []models.ScoredContextItem{}, nil
	}

	// HNSW with ef=40; KNN size cannot be a parameter
	sql := fmt.Sprintf(`
		SELECT %s, vector::distance::knn() AS distance
		FROM context_item
		WHERE topic_id = $topic AND embedding <|%d,40|> $emb
		ORDER BY distance
	`, contextItemFields, limit)

	rows, err := query[contextItemRow](ctx, c, sql, map[string]any{"topic": topicID, "emb": embedding})
	if err != nil {
		return nil, fmt.Errorf("vector search context items: %w", err)
	}

	out := make([]models.ScoredContextItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredContextItem{
			ContextItem: item,
			Score:       similarity(r.Distance),
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func similarity(distance float64) float64 {
	s := 1 - distance
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func normalizeScore(score, maxScore float64) float64 {
	if maxScore <= 0 || score <= 0 {
		return 0
	}
	s := score / maxScore
	if s > 1 {
		return 1
	}
	return s
}

// CountContextItems returns the number of items in a topic.
func (c *Client) CountContextItems(ctx context.Context, topicID int64) (int, error) {
	type countRow struct {
		Count int `json:"count"`
	}
	rows, err := query[countRow](ctx, c, `
		SELECT count() AS count FROM context_item WHERE topic_id = $topic GROUP ALL
	`, map[string]any{"topic": topicID})
	if err != nil {
		return 0, fmt.Errorf("count context items: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// CreateHistory persists an exchange. Feedback starts at score 0 with no
// comment.
func (c *Client) CreateHistory(ctx context.Context, input models.HistoryInput) (*models.HistoryRecord, error) {
	id, err := c.NextID(ctx, "history")
	if err != nil {
		return nil, err
	}

	rows, err := query[historyRow](ctx, c, `
		CREATE type::record("history", $id) CONTENT {
			topic_id: $topic,
			session_id: $session,
			question: $question,
			answer: $answer
		}
	`, map[string]any{
		"id":       id,
		"topic":    input.TopicID,
		"session":  input.SessionID,
		"question": input.Question,
		"answer":   input.Answer,
	})
	if err != nil {
		return nil, fmt.Errorf("create history: %w", err)
	}
	return first[historyRow, models.HistoryRecord](rows)
}

// GetHistory returns a history record by id, or ErrNotFound.
func (c *Client) GetHistory(ctx context.Context, id int64) (*models.HistoryRecord, error) {
	rows, err := query[historyRow](ctx, c, `
		SELECT * FROM type::record("history", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return first[historyRow, models.HistoryRecord](rows)
}

// ListHistoryBySession returns a session's exchanges oldest first.
func (c *Client) ListHistoryBySession(ctx context.Context, sessionID string) ([]models.HistoryRecord, error) {
	rows, err := query[historyRow](ctx, c, `
		SELECT * FROM history WHERE session_id = $session ORDER BY created_at ASC
	`, map[string]any{"session": sessionID})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return convert[historyRow, models.HistoryRecord](rows)
}

// UpdateFeedback replaces the feedback on a history record and returns the
// stored row. A nil comment clears it. Returns ErrNotFound for unknown ids.
func (c *Client) UpdateFeedback(ctx context.Context, id int64, score int, comment *string) (*models.HistoryRecord, error) {
	set := `feedback_score = $score, feedback_comment = NONE, updated_at = time::now()`
	vars := map[string]any{"id": id, "score": score}
	if comment != nil {
		set = `feedback_score = $score, feedback_comment = $comment, updated_at = time::now()`
		vars["comment"] = *comment
	}

	rows, err := query[historyRow](ctx, c, `
		UPDATE type::record("history", $id) SET `+set+` RETURN AFTER
	`, vars)
	if err != nil {
		return nil, fmt.Errorf("update feedback: %w", err)
	}
	return first[historyRow, models.HistoryRecord](rows)
}
