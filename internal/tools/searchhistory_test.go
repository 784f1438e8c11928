package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"routa/internal/recall"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "health") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (e fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

func TestSearchHistoryTool(t *testing.T) {
	index, err := recall.NewIndex(recall.IndexConfig{}, fixedEmbedder{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, index.Record(ctx, recall.Entry{
		ID: "r1", WorkspaceID: "ws-1", AgentID: "crafter-1", Role: "CRAFTER",
		TaskID: "task-1", Title: "Add health endpoint",
		Summary: "Implemented the health probe.", Success: true,
	}))

	tool := NewSearchHistory(index)
	require.Equal(t, "search_history", tool.Definition().Name)

	result := tool.Execute(ctx, map[string]any{"query": "health check", "workspace_id": "ws-1"})
	require.True(t, result.Success)
	require.Contains(t, result.Output, "Add health endpoint")
	require.Contains(t, result.Output, "SUCCESS")
	require.Contains(t, result.Output, "task-1")
	require.Contains(t, result.Output, "Implemented the health probe.")

	missing := tool.Execute(ctx, map[string]any{})
	require.False(t, missing.Success)

	none := tool.Execute(ctx, map[string]any{"query": "health", "workspace_id": "ws-other"})
	require.True(t, none.Success)
	require.Contains(t, none.Output, "No matching reports")
}
