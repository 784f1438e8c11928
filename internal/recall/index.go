package recall

import (
	"context"
	"fmt"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"routa/internal/logging"
)

// IndexConfig configures the report index.
type IndexConfig struct {
	Path       string // persistence directory; empty keeps the index in memory
	Collection string // default "reports"
}

// Entry is one recorded report.
type Entry struct {
	ID          string
	WorkspaceID string
	AgentID     string
	Role        string
	TaskID      string
	Title       string
	Summary     string
	Success     bool
	Time        time.Time
}

// Hit is one search result with its cosine similarity.
type Hit struct {
	Entry      Entry
	Similarity float32
}

// Index stores report embeddings in a chromem collection.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// NewIndex opens the report index. With a Path the collection persists
// across restarts; without one it lives in memory.
func NewIndex(config IndexConfig, embedder Embedder, logger logging.Logger) (*Index, error) {
	if config.Collection == "" {
		config.Collection = "reports"
	}

	var db *chromem.DB
	var err error
	if config.Path != "" {
		db, err = chromem.NewPersistentDB(config.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open recall store at %s: %w", config.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", config.Collection, err)
	}

	return &Index{
		db:         db,
		collection: collection,
		logger:     logging.OrNop(logger),
	}, nil
}

// Record indexes one report. Entries without any text are skipped, and
// re-recording an ID replaces the earlier document.
func (ix *Index) Record(ctx context.Context, entry Entry) error {
	content := entry.Summary
	if content == "" {
		content = entry.Title
	}
	if content == "" {
		ix.logger.Debug("recall: skipping empty report from %s", entry.AgentID)
		return nil
	}
	if entry.ID == "" {
		entry.ID = entry.AgentID
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	metadata := map[string]string{
		"workspace_id": entry.WorkspaceID,
		"agent_id":     entry.AgentID,
		"role":         entry.Role,
		"task_id":      entry.TaskID,
		"title":        entry.Title,
		"success":      strconv.FormatBool(entry.Success),
		"time":         entry.Time.UTC().Format(time.RFC3339),
	}
	err := ix.collection.AddDocument(ctx, chromem.Document{
		ID:       entry.ID,
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("index report %s: %w", entry.ID, err)
	}
	return nil
}

// Search returns the reports most similar to the query. A non-empty
// workspace ID restricts results to that workspace.
func (ix *Index) Search(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}
	// chromem rejects result counts above the collection size.
	if total := ix.collection.Count(); limit > total {
		if total == 0 {
			return nil, nil
		}
		limit = total
	}

	var where map[string]string
	if workspaceID != "" {
		where = map[string]string{"workspace_id": workspaceID}
	}
	results, err := ix.collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		entry := Entry{
			ID:          r.ID,
			WorkspaceID: r.Metadata["workspace_id"],
			AgentID:     r.Metadata["agent_id"],
			Role:        r.Metadata["role"],
			TaskID:      r.Metadata["task_id"],
			Title:       r.Metadata["title"],
			Summary:     r.Content,
		}
		entry.Success, _ = strconv.ParseBool(r.Metadata["success"])
		if ts, err := time.Parse(time.RFC3339, r.Metadata["time"]); err == nil {
			entry.Time = ts
		}
		hits = append(hits, Hit{Entry: entry, Similarity: r.Similarity})
	}
	return hits, nil
}

// Count returns the number of indexed reports.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

// Forget removes every report recorded for a workspace.
func (ix *Index) Forget(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return fmt.Errorf("workspace id required")
	}
	err := ix.collection.Delete(ctx, map[string]string{"workspace_id": workspaceID}, nil)
	if err != nil {
		return fmt.Errorf("forget workspace %s: %w", workspaceID, err)
	}
	return nil
}
