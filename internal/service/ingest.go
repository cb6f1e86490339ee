package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/raphaelgruber/kbchat/internal/db"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/parser"
)

// IngestStore is the storage used by ingestion.
type IngestStore interface {
	CreateTopic(ctx context.Context, name, description string) (*models.Topic, error)
	GetTopicByName(ctx context.Context, name string) (*models.Topic, error)
	InsertContextItems(ctx context.Context, topicID int64, items []models.ContextItem) ([]models.ContextItem, error)
	DeleteContextItems(ctx context.Context, topicID int64, sourcePath *string) (int, error)
}

// IngestService loads Markdown files into a topic's context items.
type IngestService struct {
	store    IngestStore
	embedder Embedder
	logger   *slog.Logger
}

// NewIngestService creates a new ingest service.
func NewIngestService(store IngestStore, logger *slog.Logger) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{store: store, logger: logger}
}

// WithEmbedder stores an embedding with every passage.
func (s *IngestService) WithEmbedder(e Embedder) *IngestService {
	s.embedder = e
	return s
}

// IngestOptions configures file ingestion.
type IngestOptions struct {
	// Recursive processes subdirectories
	Recursive bool
	// Concurrency sets number of parallel workers (default 4)
	Concurrency int
	// DryRun parses and splits without writing
	DryRun bool
	// Split controls passage sizing; zero value means defaults
	Split parser.SplitConfig
}

// IngestResult summarizes an ingestion operation.
type IngestResult struct {
	FilesProcessed int
	FilesSkipped   int
	ItemsCreated   int
	ItemsReplaced  int
	Errors         []string
}

// EnsureTopic returns the topic called name, creating it if needed.
func (s *IngestService) EnsureTopic(ctx context.Context, name, description string) (*models.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: topic name is required", ErrInvalidRequest)
	}

	topic, err := s.store.GetTopicByName(ctx, name)
	if err == nil {
		return topic, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	topic, err = s.store.CreateTopic(ctx, name, description)
	if errors.Is(err, db.ErrAlreadyExists) {
		// Lost a race with another creator.
		return s.store.GetTopicByName(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("topic created", "id", topic.ID, "name", topic.Name)
	return topic, nil
}

// CollectFiles walks a directory and returns all markdown files.
func CollectFiles(dirPath string, recursive bool) ([]string, error) {
	var files []string
	walkFn := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dirPath && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".md" || ext == ".markdown" {
			files = append(files, path)
		}
		return nil
	}

	if err := filepath.WalkDir(dirPath, walkFn); err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}
	return files, nil
}

// IngestFile replaces the context items previously ingested from path.
// sourcePath is the stable key stored with each item. Returns the number of
// items created and replaced.
func (s *IngestService) IngestFile(ctx context.Context, topicID int64, path, sourcePath string, opts IngestOptions) (created, replaced int, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read file: %w", err)
	}

	cfg := opts.Split
	if cfg == (parser.SplitConfig{}) {
		cfg = parser.DefaultSplitConfig()
	}

	doc := parser.Parse(string(content))
	fallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	passages := parser.Split(doc, fallback, cfg)
	if len(passages) == 0 || opts.DryRun {
		return len(passages), 0, nil
	}

	items := make([]models.ContextItem, 0, len(passages))
	for _, p := range passages {
		items = append(items, models.ContextItem{
			Title:       p.Title,
			Content:     p.Content,
			ContextType: models.ContextTypeMarkdown,
			SourcePath:  &sourcePath,
			Position:    p.Position,
		})
	}

	if s.embedder != nil {
		texts := make([]string, len(items))
		for i, item := range items {
			texts[i] = item.Title + "\n\n" + item.Content
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, 0, fmt.Errorf("embed passages: %w", err)
		}
		for i := range items {
			items[i].Embedding = vectors[i]
		}
	}

	replaced, err = s.store.DeleteContextItems(ctx, topicID, &sourcePath)
	if err != nil {
		return 0, 0, fmt.Errorf("remove previous items: %w", err)
	}

	stored, err := s.store.InsertContextItems(ctx, topicID, items)
	if err != nil {
		return 0, replaced, fmt.Errorf("insert items: %w", err)
	}
	return len(stored), replaced, nil
}

// IngestDirectory ingests all Markdown files under dirPath with a worker
// pool. Per-file failures are collected in the result, not returned.
func (s *IngestService) IngestDirectory(ctx context.Context, topicID int64, dirPath string, opts IngestOptions) (*IngestResult, error) {
	files, err := CollectFiles(dirPath, opts.Recursive)
	if err != nil {
		return nil, err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	s.logger.Info("starting ingestion", "topic_id", topicID, "dir", dirPath, "files", len(files), "concurrency", concurrency, "dry_run", opts.DryRun)

	var (
		filesProcessed atomic.Int32
		filesSkipped   atomic.Int32
		itemsCreated   atomic.Int32
		itemsReplaced  atomic.Int32
		errorsMu       sync.Mutex
		errs           []string
	)

	fileChan := make(chan string, len(files))
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for file := range fileChan {
				if ctx.Err() != nil {
					return
				}

				rel, err := filepath.Rel(dirPath, file)
				if err != nil {
					rel = file
				}
				rel = filepath.ToSlash(rel)

				processed := filesProcessed.Add(1)
				s.logger.Debug("processing file", "worker", workerID, "file", rel, "progress", fmt.Sprintf("%d/%d", processed, len(files)))

				created, replaced, err := s.IngestFile(ctx, topicID, file, rel, opts)
				if err != nil {
					errorsMu.Lock()
					errs = append(errs, fmt.Sprintf("%s: %v", rel, err))
					errorsMu.Unlock()
					continue
				}
				if created == 0 {
					filesSkipped.Add(1)
				}
				itemsCreated.Add(int32(created))
				itemsReplaced.Add(int32(replaced))
			}
		}(i)
	}

	for _, f := range files {
		fileChan <- f
	}
	close(fileChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Info("ingestion complete", "topic_id", topicID, "items", itemsCreated.Load(), "replaced", itemsReplaced.Load(), "errors", len(errs))

	return &IngestResult{
		FilesProcessed: int(filesProcessed.Load()),
		FilesSkipped:   int(filesSkipped.Load()),
		ItemsCreated:   int(itemsCreated.Load()),
		ItemsReplaced:  int(itemsReplaced.Load()),
		Errors:         errs,
	}, nil
}
