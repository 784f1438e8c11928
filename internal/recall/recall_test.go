package recall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routa/internal/bus"
	"routa/internal/domain"
	"routa/internal/store/memory"
)

// keywordEmbedder maps known keywords to fixed axes so similarity is
// deterministic without a live endpoint.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "health"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(lower, "metrics"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	index, err := NewIndex(IndexConfig{}, keywordEmbedder{}, nil)
	require.NoError(t, err)
	return index
}

func TestIndexRecordAndSearch(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()
	recorded := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, index.Record(ctx, Entry{
		ID: "r1", WorkspaceID: "ws-1", AgentID: "crafter-1", Role: "CRAFTER",
		TaskID: "task-1", Title: "Add health endpoint",
		Summary: "Implemented the health probe.", Success: true, Time: recorded,
	}))
	require.NoError(t, index.Record(ctx, Entry{
		ID: "r2", WorkspaceID: "ws-1", AgentID: "crafter-2", Role: "CRAFTER",
		Summary: "Wired the metrics registry.",
	}))
	require.Equal(t, 2, index.Count())

	hits, err := index.Search(ctx, "ws-1", "health probe status", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	top := hits[0]
	require.Equal(t, "r1", top.Entry.ID)
	require.Equal(t, "crafter-1", top.Entry.AgentID)
	require.Equal(t, "CRAFTER", top.Entry.Role)
	require.Equal(t, "task-1", top.Entry.TaskID)
	require.Equal(t, "Add health endpoint", top.Entry.Title)
	require.Equal(t, "Implemented the health probe.", top.Entry.Summary)
	require.True(t, top.Entry.Success)
	require.True(t, top.Entry.Time.Equal(recorded))
	require.InDelta(t, 1.0, float64(top.Similarity), 0.01)
	require.False(t, hits[1].Entry.Success)
}

func TestIndexSearchFiltersByWorkspace(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, index.Record(ctx, Entry{ID: "a", WorkspaceID: "ws-1", AgentID: "a", Summary: "health work"}))
	require.NoError(t, index.Record(ctx, Entry{ID: "b", WorkspaceID: "ws-2", AgentID: "b", Summary: "more health work"}))

	hits, err := index.Search(ctx, "ws-2", "health", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "b", hits[0].Entry.ID)
}

func TestIndexSearchEmptyIndex(t *testing.T) {
	index := newTestIndex(t)
	hits, err := index.Search(context.Background(), "", "anything", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestIndexRecordSkipsEmptyReports(t *testing.T) {
	index := newTestIndex(t)
	require.NoError(t, index.Record(context.Background(), Entry{ID: "x", AgentID: "agent-1"}))
	require.Zero(t, index.Count())
}

func TestIndexForgetRemovesWorkspace(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, index.Record(ctx, Entry{ID: "a", WorkspaceID: "ws-1", AgentID: "a", Summary: "health work"}))
	require.NoError(t, index.Record(ctx, Entry{ID: "b", WorkspaceID: "ws-2", AgentID: "b", Summary: "metrics work"}))

	require.NoError(t, index.Forget(ctx, "ws-1"))
	require.Equal(t, 1, index.Count())

	hits, err := index.Search(ctx, "ws-1", "health", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestRecorderIndexesAgentCompletions(t *testing.T) {
	index := newTestIndex(t)
	stores := memory.NewStores()
	eventBus := bus.New(nil)
	ctx := context.Background()

	crafter := &domain.Agent{
		ID: "crafter-1", WorkspaceID: "ws-1", Name: "crafter-1",
		Role: domain.RoleCrafter, Status: domain.AgentCompleted,
	}
	require.NoError(t, stores.Agents.Save(ctx, crafter))
	require.NoError(t, stores.Tasks.Save(ctx, &domain.Task{
		ID: "task-1", WorkspaceID: "ws-1", Title: "Add health endpoint",
		Status: domain.TaskReviewRequired, AssignedTo: "crafter-1",
	}))

	recorder := NewRecorder(index, stores, eventBus, nil)

	// Lifecycle noise is ignored; only completions are indexed.
	eventBus.Emit(domain.NewAgentCreatedEvent(crafter))
	eventBus.Emit(domain.NewAgentCompletedEvent("ws-1", "crafter-1", "Probe implemented and healthy.", true))

	require.Eventually(t, func() bool { return index.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	recorder.Close()

	hits, err := index.Search(ctx, "ws-1", "health probe", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "crafter-1", hits[0].Entry.AgentID)
	require.Equal(t, "CRAFTER", hits[0].Entry.Role)
	require.Equal(t, "task-1", hits[0].Entry.TaskID)
	require.Equal(t, "Add health endpoint", hits[0].Entry.Title)
	require.True(t, hits[0].Entry.Success)
}

func TestEmbedderBatchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s, want /embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}

		// Answer out of order; the client restores it via Index.
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		items := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			items = append(items, item{Embedding: []float32{float32(i), 1}, Index: i})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
	defer server.Close()

	embedder, err := NewEmbedder(EmbedderConfig{Model: "test-model", APIKey: "test-key", BaseURL: server.URL}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	vectors, err := embedder.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0, 1}, {1, 1}}, vectors)
	require.EqualValues(t, 1, calls.Load())

	// Second lookup is served from the cache.
	v, err := embedder.Embed(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1}, v)
	require.EqualValues(t, 1, calls.Load())
}

func TestEmbedderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": "unknown model"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(EmbedderConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "alpha")
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}
