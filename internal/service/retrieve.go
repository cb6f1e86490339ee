package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// rrfK is the standard rank fusion constant.
const rrfK = 60

// Embedder turns text into vectors for semantic retrieval.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// retrieve returns up to limit passages for question. With an embedder it
// fuses BM25 and vector results by reciprocal rank; if the question cannot
// be embedded it falls back to BM25 alone.
func (s *RAGService) retrieve(ctx context.Context, log *slog.Logger, topicID int64, question string) ([]models.ScoredContextItem, error) {
	if s.embedder == nil {
		return s.retriever.SearchContextItems(ctx, topicID, question, s.limit)
	}

	start := time.Now()
	vector, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		s.metrics.RecordFailure(metrics.OpEmbed, time.Since(start))
		log.Warn("query embedding failed, using full-text search only", "error", err)
		return s.retriever.SearchContextItems(ctx, topicID, question, s.limit)
	}
	s.metrics.RecordTiming(metrics.OpEmbed, time.Since(start))

	// 2x candidates per list for variety before fusion
	semantic, err := s.retriever.SearchContextItemsByVector(ctx, topicID, vector, s.limit*2)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	lexical, err := s.retriever.SearchContextItems(ctx, topicID, question, s.limit*2)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	return fuseRRF(s.limit, semantic, lexical), nil
}

// fuseRRF merges ranked lists by reciprocal rank fusion and keeps the top
// limit items. Scores are normalized so the best item is 1.0.
func fuseRRF(limit int, lists ...[]models.ScoredContextItem) []models.ScoredContextItem {
	type entry struct {
		item  models.ScoredContextItem
		score float64
		order int
	}

	byID := make(map[int64]*entry)
	for _, list := range lists {
		for rank, item := range list {
			e, ok := byID[item.ID]
			if !ok {
				e = &entry{item: item, order: len(byID)}
				byID[item.ID] = e
			}
			e.score += 1.0 / float64(rrfK+rank+1)
		}
	}

	entries := make([]*entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]models.ScoredContextItem, 0, len(entries))
	for _, e := range entries {
		item := e.item
		item.Score = e.score / entries[0].score
		out = append(out, item)
	}
	return out
}
