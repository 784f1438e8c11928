package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routa/internal/toolcall"
)

// stubTool lets tests script arbitrary tool behavior.
type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) *Result
}

func (s *stubTool) Execute(ctx context.Context, args map[string]any) *Result {
	return s.fn(ctx, args)
}

func (s *stubTool) Definition() Definition {
	return Definition{Name: s.name, Description: "test stub"}
}

func echoTool(name string) *stubTool {
	return &stubTool{name: name, fn: func(ctx context.Context, args map[string]any) *Result {
		text, _ := stringArg(args, "text")
		return Ok("echo: " + text)
	}}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoTool("echo")))
	require.Error(t, reg.Register(echoTool("echo")))
}

func TestRegistryListsInRegistrationOrder(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("zeta"))
	reg.MustRegister(echoTool("alpha"))

	defs := reg.List()
	require.Len(t, defs, 2)
	require.Equal(t, "zeta", defs[0].Name)
	require.Equal(t, "alpha", defs[1].Name)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	result := reg.Execute(context.Background(), "missing", nil)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "unknown tool: missing")
}

func TestRegistryRecoversPanics(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(&stubTool{name: "bomb", fn: func(ctx context.Context, args map[string]any) *Result {
		panic("kaboom")
	}})

	result := reg.Execute(context.Background(), "bomb", nil)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "internal error")
}

func TestExecuteAllRunsSequentiallyInOrder(t *testing.T) {
	var order []string
	reg := NewRegistry(nil)
	reg.MustRegister(&stubTool{name: "first", fn: func(ctx context.Context, args map[string]any) *Result {
		order = append(order, "first")
		return Ok("one")
	}})
	reg.MustRegister(&stubTool{name: "second", fn: func(ctx context.Context, args map[string]any) *Result {
		order = append(order, "second")
		return Errorf("boom")
	}})

	exec := NewExecutor(reg, nil)
	results := exec.ExecuteAll(context.Background(), []toolcall.ToolCall{
		{ID: "call_0", Name: "first", Arguments: map[string]any{}},
		{ID: "call_1", Name: "second", Arguments: map[string]any{}},
	})

	require.Equal(t, []string{"first", "second"}, order)
	require.Len(t, results, 2)
	require.True(t, results[0].Result.Success)
	require.False(t, results[1].Result.Success)
}

func TestExecuteAllStopsRunningAfterCancel(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("echo"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecutor(reg, nil)
	results := exec.ExecuteAll(ctx, []toolcall.ToolCall{
		{ID: "call_0", Name: "echo", Arguments: map[string]any{"text": "hi"}},
	})

	require.Len(t, results, 1)
	require.False(t, results[0].Result.Success)
	require.Contains(t, results[0].Result.Error, "cancelled before execution")
}

func TestFormatResultsEnvelope(t *testing.T) {
	results := []ExecutionResult{
		{Name: "read_file", Result: Ok("package main")},
		{Name: "write_file", Result: Errorf("disk full")},
	}

	want := "<tool_result>\n" +
		"<tool_name>read_file</tool_name>\n" +
		"<status>success</status>\n" +
		"<output>package main</output>\n" +
		"</tool_result>\n" +
		"<tool_result>\n" +
		"<tool_name>write_file</tool_name>\n" +
		"<status>error</status>\n" +
		"<output>disk full</output>\n" +
		"</tool_result>"

	require.Equal(t, want, FormatResults(results))
}

func TestWorkspaceResolveContainment(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	require.NoError(t, err)

	resolved, err := ws.Resolve("sub/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ws.Root(), "sub", "file.txt"), resolved)

	_, err = ws.Resolve("../outside.txt")
	require.Error(t, err)

	_, err = ws.Resolve("sub/../../outside.txt")
	require.Error(t, err)

	_, err = ws.Resolve("/etc/passwd")
	require.Error(t, err)

	// Absolute paths inside the root are allowed.
	resolved, err = ws.Resolve(filepath.Join(ws.Root(), "inside.txt"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ws.Root(), "inside.txt"), resolved)
}

func TestFileToolsRoundTrip(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	write := NewWriteFile(ws)
	result := write.Execute(ctx, map[string]any{"path": "pkg/main.go", "content": "package main\n"})
	require.True(t, result.Success, result.Error)
	require.Contains(t, result.Output, "Wrote 13 bytes to pkg/main.go")

	read := NewReadFile(ws)
	result = read.Execute(ctx, map[string]any{"path": "pkg/main.go"})
	require.True(t, result.Success, result.Error)
	require.Equal(t, "package main\n", result.Output)

	list := NewListFiles(ws)
	result = list.Execute(ctx, map[string]any{})
	require.True(t, result.Success, result.Error)
	require.Equal(t, "pkg/", result.Output)

	result = list.Execute(ctx, map[string]any{"path": "pkg"})
	require.True(t, result.Success, result.Error)
	require.Equal(t, "main.go", result.Output)

	result = read.Execute(ctx, map[string]any{"path": "pkg/missing.go"})
	require.False(t, result.Success)
}

func TestWriteFileReportsDiffOnOverwrite(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	write := NewWriteFile(ws)
	result := write.Execute(ctx, map[string]any{"path": "notes.txt", "content": "hello\n"})
	require.True(t, result.Success, result.Error)
	require.NotContains(t, result.Output, "--- a/")

	result = write.Execute(ctx, map[string]any{"path": "notes.txt", "content": "goodbye\n"})
	require.True(t, result.Success, result.Error)
	require.Contains(t, result.Output, "--- a/notes.txt")
	require.Contains(t, result.Output, "+++ b/notes.txt")
	require.Contains(t, result.Output, "(+")

	data, err := os.ReadFile(filepath.Join(ws.Root(), "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "goodbye\n", string(data))
}

func TestCacheServesRepeatsAndExpires(t *testing.T) {
	var calls int
	tool := &stubTool{name: "lookup", fn: func(ctx context.Context, args map[string]any) *Result {
		calls++
		return Ok("fresh")
	}}

	cached := WithCache(tool, CacheConfig{MaxSize: 4, TTL: 40 * time.Millisecond})
	ctx := context.Background()
	args := map[string]any{"key": "a"}

	require.True(t, cached.Execute(ctx, args).Success)
	require.True(t, cached.Execute(ctx, args).Success)
	require.Equal(t, 1, calls, "second call should hit the cache")

	// Different arguments miss.
	require.True(t, cached.Execute(ctx, map[string]any{"key": "b"}).Success)
	require.Equal(t, 2, calls)

	time.Sleep(50 * time.Millisecond)
	require.True(t, cached.Execute(ctx, args).Success)
	require.Equal(t, 3, calls, "expired entry should be refreshed")
}

func TestCacheSkipsErrorResults(t *testing.T) {
	var calls int
	tool := &stubTool{name: "flaky", fn: func(ctx context.Context, args map[string]any) *Result {
		calls++
		if calls == 1 {
			return Errorf("transient failure")
		}
		return Ok("recovered")
	}}

	cached := WithCache(tool, CacheConfig{})
	ctx := context.Background()

	require.False(t, cached.Execute(ctx, nil).Success)
	require.True(t, cached.Execute(ctx, nil).Success)
	require.Equal(t, 2, calls, "error results must not be cached")
}
