package tools

import (
	"context"
	"fmt"
	"strings"

	"routa/internal/recall"
)

// NewSearchHistory exposes the recall index to agents. Crafters check it
// before redoing work a previous run already finished.
func NewSearchHistory(index *recall.Index) Tool {
	return &searchHistoryTool{index: index}
}

type searchHistoryTool struct {
	index *recall.Index
}

func (t *searchHistoryTool) Definition() Definition {
	return Definition{
		Name:        "search_history",
		Description: "Search reports from previously completed agents. Returns the most similar past reports with their task, outcome, and summary.",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"query":        {Type: "string", Description: "What to look for, in natural language"},
				"workspace_id": {Type: "string", Description: "Restrict results to one workspace"},
				"limit":        {Type: "integer", Description: "Maximum number of results, default 5"},
			},
			Required: []string{"query"},
		},
	}
}

func (t *searchHistoryTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, ok := stringArg(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return Errorf("query is required")
	}
	workspaceID, _ := stringArg(args, "workspace_id")
	limit := intArg(args, "limit", 5)

	hits, err := t.index.Search(ctx, workspaceID, query, limit)
	if err != nil {
		return Errorf("search history: %v", err)
	}
	if len(hits) == 0 {
		return Ok("No matching reports found.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d past reports:\n", len(hits))
	for i, hit := range hits {
		outcome := "SUCCESS"
		if !hit.Entry.Success {
			outcome = "FAILURE"
		}
		heading := hit.Entry.Title
		if heading == "" {
			heading = hit.Entry.Role
		}
		fmt.Fprintf(&b, "\n%d. [%s] %s (similarity %.2f)\n", i+1, outcome, heading, hit.Similarity)
		if hit.Entry.TaskID != "" {
			fmt.Fprintf(&b, "   Task: %s\n", hit.Entry.TaskID)
		}
		fmt.Fprintf(&b, "   %s\n", strings.ReplaceAll(strings.TrimSpace(hit.Entry.Summary), "\n", "\n   "))
	}
	return Ok(strings.TrimSpace(b.String()))
}
