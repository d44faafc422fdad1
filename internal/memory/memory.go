// Package memory persists merge outcomes two ways: a human-readable
// progress log and an embedded vector store of summaries queryable by
// similarity, so future prompts can carry related past work.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// Config holds memory store configuration.
type Config struct {
	// Path is the directory for persistent vector storage.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// Collection is the summary collection name.
	Collection string `koanf:"collection"`

	// ProgressPath is the append-only progress log file.
	ProgressPath string `koanf:"progress_path"`

	// Embedding endpoint; must be OpenAI-compatible.
	EmbeddingBaseURL string `koanf:"embedding_base_url"`
	EmbeddingModel   string `koanf:"embedding_model"`
	EmbeddingAPIKey  string `koanf:"embedding_api_key"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "merge_summaries"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.ProgressPath == "" && c.Path != "" {
		c.ProgressPath = filepath.Join(filepath.Dir(c.Path), "PROGRESS.md")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("memory: path is required")
	}
	return nil
}

// Entry is one recalled summary.
type Entry struct {
	TaskID      int
	Description string
	Summary     string
	Similarity  float32
}

// Store is the chromem-backed summary memory plus the progress log.
type Store struct {
	collection   *chromem.Collection
	progressPath string
	logger       *zap.Logger

	mu sync.Mutex
}

// NewStore opens (or creates) the persistent store. embedFn may be nil, in
// which case an OpenAI-compatible embedder is built from the config.
func NewStore(cfg Config, embedFn chromem.EmbeddingFunc, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	if embedFn == nil {
		embedFn = chromem.NewEmbeddingFuncOpenAICompat(
			cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, nil)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	logger.Info("memory store ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("entries", collection.Count()),
	)
	return &Store{
		collection:   collection,
		progressPath: cfg.ProgressPath,
		logger:       logger,
	}, nil
}

// RecordMerge appends the summary to the progress log and stores it in the
// vector collection.
func (s *Store) RecordMerge(ctx context.Context, task *tasks.Task, summary string) error {
	if err := s.appendProgress(task, summary); err != nil {
		return err
	}

	doc := chromem.Document{
		ID:      fmt.Sprintf("task_%d_%d", task.ID, time.Now().UnixNano()),
		Content: summary,
		Metadata: map[string]string{
			"task_id":     fmt.Sprintf("%d", task.ID),
			"description": task.Description,
			"type":        string(task.Type),
		},
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("storing summary for task %d: %w", task.ID, err)
	}
	return nil
}

func (s *Store) appendProgress(task *tasks.Task, summary string) error {
	if s.progressPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.progressPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening progress log: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("## %s — task #%d: %s\n\n%s\n\n",
		time.Now().UTC().Format("2006-01-02"), task.ID, task.Description, summary)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("appending to progress log: %w", err)
	}
	return nil
}

// Related returns up to n summaries similar to the query text. n is
// clamped to the collection size; an empty collection returns nil.
func (s *Store) Related(ctx context.Context, query string, n int) ([]Entry, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	if n <= 0 {
		n = 1
	}

	results, err := s.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}

	entries := make([]Entry, 0, len(results))
	for _, r := range results {
		e := Entry{
			Summary:     r.Content,
			Description: r.Metadata["description"],
			Similarity:  r.Similarity,
		}
		fmt.Sscanf(r.Metadata["task_id"], "%d", &e.TaskID)
		entries = append(entries, e)
	}
	return entries, nil
}
