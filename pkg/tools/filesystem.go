package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath makes path absolute, relative paths being taken from baseDir
// (or the process directory when baseDir is empty). With restrict set the
// result must stay inside baseDir.
func resolvePath(path, baseDir string, restrict bool) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		if baseDir != "" {
			resolved = filepath.Join(baseDir, resolved)
		}
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		resolved = abs
	}
	resolved = filepath.Clean(resolved)

	if restrict && baseDir != "" {
		baseAbs, err := filepath.Abs(baseDir)
		if err != nil {
			return "", fmt.Errorf("failed to resolve workspace: %w", err)
		}
		rel, err := filepath.Rel(baseAbs, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return resolved, nil
}

type ReadFileTool struct {
	baseDir  string
	restrict bool
}

func NewReadFileTool(baseDir string, restrict bool) *ReadFileTool {
	return &ReadFileTool{baseDir: baseDir, restrict: restrict}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read contents of a file"
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := stringArg(args, "path")
	if path == "" {
		return Failure("Path is required")
	}

	resolved, err := resolvePath(path, t.baseDir, t.restrict)
	if err != nil {
		return Failure(err.Error())
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failure(fmt.Sprintf("File not found: %s", path))
		}
		return Failure(fmt.Sprintf("Failed to read file: %v", err))
	}
	return Success(string(content))
}

type WriteFileTool struct {
	baseDir  string
	restrict bool
}

func NewWriteFileTool(baseDir string, restrict bool) *WriteFileTool {
	return &WriteFileTool{baseDir: baseDir, restrict: restrict}
}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write content to a file"
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := stringArg(args, "path")
	if path == "" {
		return Failure("Path is required")
	}

	content, ok := stringArg(args, "content")
	if !ok {
		return Failure("Content is required")
	}

	resolved, err := resolvePath(path, t.baseDir, t.restrict)
	if err != nil {
		return Failure(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return Failure(fmt.Sprintf("Failed to write file: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return Failure(fmt.Sprintf("Failed to write file: %v", err))
	}

	return Success(fmt.Sprintf("File written successfully: %s", path))
}

type ListDirTool struct {
	baseDir  string
	restrict bool
}

func NewListDirTool(baseDir string, restrict bool) *ListDirTool {
	return &ListDirTool{baseDir: baseDir, restrict: restrict}
}

func (t *ListDirTool) Name() string {
	return "list_dir"
}

func (t *ListDirTool) Description() string {
	return "List files and directories in a path"
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to list (defaults to the workspace)",
			},
		},
		"required": []string{},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := stringArg(args, "path")
	if path == "" {
		path = "."
	}

	resolved, err := resolvePath(path, t.baseDir, t.restrict)
	if err != nil {
		return Failure(err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failure(fmt.Sprintf("Directory not found: %s", path))
		}
		return Failure(fmt.Sprintf("Failed to read directory: %v", err))
	}
	if len(entries) == 0 {
		return Success("(empty directory)")
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			sb.WriteString("DIR:  " + entry.Name() + "\n")
		} else {
			sb.WriteString("FILE: " + entry.Name() + "\n")
		}
	}
	return Success(sb.String())
}
