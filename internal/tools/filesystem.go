package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileHooks lets the engine observe file mutations: snapshotting the
// pre-edit copy into the session's backup ring and invalidating cached
// language-server state.
type FileHooks struct {
	// PreEdit runs before a file is overwritten; path exists at call time.
	PreEdit func(path string)
	// Changed runs after a file was written.
	Changed func(path string)
}

func (h *FileHooks) preEdit(path string) {
	if h != nil && h.PreEdit != nil {
		if _, err := os.Stat(path); err == nil {
			h.PreEdit(path)
		}
	}
}

func (h *FileHooks) changed(path string) {
	if h != nil && h.Changed != nil {
		h.Changed(path)
	}
}

// ReadFileTool reads file contents.
type ReadFileTool struct {
	Workspace string
	Restrict  bool
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Category() Category  { return CategoryLocal }
func (t *ReadFileTool) ReadOnly() bool      { return true }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path to the file to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.Workspace, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct {
	Workspace string
	Restrict  bool
	Hooks     *FileHooks
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it and any parent directories if needed"
}
func (t *WriteFileTool) Category() Category         { return CategoryLocal }
func (t *WriteFileTool) ReadOnly() bool             { return false }
func (t *WriteFileTool) RequiresStoreContext() bool { return true }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to the file to write"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.Workspace, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directories: %v", err))
	}
	t.Hooks.preEdit(resolved)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	t.Hooks.changed(resolved)
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// EditFileTool replaces one occurrence of a string in a file.
type EditFileTool struct {
	Workspace string
	Restrict  bool
	Hooks     *FileHooks
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text snippet in a file; the snippet must appear exactly once"
}
func (t *EditFileTool) Category() Category         { return CategoryLocal }
func (t *EditFileTool) ReadOnly() bool             { return false }
func (t *EditFileTool) RequiresStoreContext() bool { return true }
func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path to the file to edit"},
			"old_text": map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_text": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" || oldText == "" {
		return ErrorResult("path and old_text are required")
	}
	resolved, err := resolvePath(path, t.Workspace, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	content := string(data)
	switch n := strings.Count(content, oldText); n {
	case 0:
		return ErrorResult("old_text not found in file")
	case 1:
	default:
		return ErrorResult(fmt.Sprintf("old_text appears %d times; include more context to make it unique", n))
	}
	t.Hooks.preEdit(resolved)
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	t.Hooks.changed(resolved)
	return NewResult(fmt.Sprintf("edited %s", path))
}

// ListDirectoryTool lists directory entries.
type ListDirectoryTool struct {
	Workspace string
	Restrict  bool
}

func (t *ListDirectoryTool) Name() string        { return "list_directory" }
func (t *ListDirectoryTool) Description() string { return "List the entries of a directory" }
func (t *ListDirectoryTool) Category() Category  { return CategoryLocal }
func (t *ListDirectoryTool) ReadOnly() bool      { return true }
func (t *ListDirectoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path"},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.Workspace, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}
	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(strings.Join(lines, "\n"))
}
