package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"routa/internal/diff"
)

// Workspace confines file tools to a root directory. Every path an
// agent supplies resolves against the root and is rejected when it
// escapes it.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps path into the workspace. Absolute paths are accepted
// only when already inside the root.
func (w *Workspace) Resolve(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", path)
	}
	return p, nil
}

type readFile struct {
	ws *Workspace
}

// NewReadFile returns the read_file tool.
func NewReadFile(ws *Workspace) Tool {
	return &readFile{ws: ws}
}

func (t *readFile) Execute(ctx context.Context, args map[string]any) *Result {
	path, ok := stringArg(args, "path")
	if !ok {
		return Errorf("read_file: missing 'path'")
	}
	resolved, err := t.ws.Resolve(path)
	if err != nil {
		return Errorf("read_file: %v", err)
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read_file: %v", err)
	}
	return Ok(string(content))
}

func (t *readFile) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Path relative to the workspace root"},
			},
			Required: []string{"path"},
		},
	}
}

type listFiles struct {
	ws *Workspace
}

// NewListFiles returns the list_files tool.
func NewListFiles(ws *Workspace) Tool {
	return &listFiles{ws: ws}
}

func (t *listFiles) Execute(ctx context.Context, args map[string]any) *Result {
	path, ok := stringArg(args, "path")
	if !ok || strings.TrimSpace(path) == "" {
		path = "."
	}
	resolved, err := t.ws.Resolve(path)
	if err != nil {
		return Errorf("list_files: %v", err)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errorf("list_files: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Ok("(empty directory)")
	}
	return Ok(strings.Join(names, "\n"))
}

func (t *listFiles) Definition() Definition {
	return Definition{
		Name:        "list_files",
		Description: "List directory entries in the workspace; directories carry a trailing slash",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Directory path relative to the workspace root (default \".\")"},
			},
		},
	}
}

type writeFile struct {
	ws *Workspace
}

// NewWriteFile returns the write_file tool. Parent directories are
// created as needed.
func NewWriteFile(ws *Workspace) Tool {
	return &writeFile{ws: ws}
}

func (t *writeFile) Execute(ctx context.Context, args map[string]any) *Result {
	path, ok := stringArg(args, "path")
	if !ok {
		return Errorf("write_file: missing 'path'")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return Errorf("write_file: missing 'content'")
	}
	resolved, err := t.ws.Resolve(path)
	if err != nil {
		return Errorf("write_file: %v", err)
	}

	previous := ""
	existed := false
	if data, err := os.ReadFile(resolved); err == nil {
		previous = string(data)
		existed = true
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return Errorf("write_file: create parent directories: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return Errorf("write_file: %v", err)
	}

	summary := fmt.Sprintf("Wrote %d bytes to %s", len(content), path)
	if existed {
		if report := diff.Compare(previous, content, path); report.Changed() {
			summary = fmt.Sprintf("%s (%s)\n%s", summary, report.Summary(), report.Patch)
		}
	}
	return Ok(summary)
}

func (t *writeFile) Definition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Path relative to the workspace root"},
				"content": {Type: "string", Description: "Full file content to write"},
			},
			Required: []string{"path", "content"},
		},
	}
}

// RegisterFileTools adds the file tools to reg. write_file is only
// registered when writes are enabled.
func RegisterFileTools(reg *Registry, ws *Workspace, allowWrite bool) {
	reg.MustRegister(NewReadFile(ws))
	reg.MustRegister(NewListFiles(ws))
	if allowWrite {
		reg.MustRegister(NewWriteFile(ws))
	}
}
