package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0644))

	tool := NewReadFileTool(dir, false)
	ctx := context.Background()

	result := tool.Execute(ctx, map[string]interface{}{"path": path})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "remember the milk", result.Output)

	result = tool.Execute(ctx, map[string]interface{}{"path": "notes.txt"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "remember the milk", result.Output)

	result = tool.Execute(ctx, map[string]interface{}{})
	assert.Equal(t, "Path is required", result.Error)

	missing := filepath.Join(dir, "missing.txt")
	result = tool.Execute(ctx, map[string]interface{}{"path": missing})
	assert.False(t, result.Success)
	assert.Equal(t, "File not found: "+missing, result.Error)
}

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteFileTool(dir, false)
	ctx := context.Background()

	path := filepath.Join(dir, "deep", "nested", "out.txt")
	result := tool.Execute(ctx, map[string]interface{}{"path": path, "content": "hello"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "File written successfully: "+path, result.Output)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	result = tool.Execute(ctx, map[string]interface{}{"path": filepath.Join(dir, "empty.txt"), "content": ""})
	assert.True(t, result.Success, "empty content is a valid write")

	result = tool.Execute(ctx, map[string]interface{}{"path": path})
	assert.Equal(t, "Content is required", result.Error)

	result = tool.Execute(ctx, map[string]interface{}{"content": "x"})
	assert.Equal(t, "Path is required", result.Error)
}

func TestFileTools_RestrictToWorkspace(t *testing.T) {
	workspace := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t"), 0600))

	read := NewReadFileTool(workspace, true)
	result := read.Execute(context.Background(), map[string]interface{}{"path": secret})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "outside the workspace")

	result = read.Execute(context.Background(), map[string]interface{}{"path": "../" + filepath.Base(outside) + "/secret.txt"})
	assert.False(t, result.Success)

	write := NewWriteFileTool(workspace, true)
	result = write.Execute(context.Background(), map[string]interface{}{"path": "inside.txt", "content": "ok"})
	require.True(t, result.Success, result.Error)
	_, err := os.Stat(filepath.Join(workspace, "inside.txt"))
	assert.NoError(t, err)
}

func TestListDirTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0644))

	tool := NewListDirTool(dir, true)
	result := tool.Execute(context.Background(), map[string]interface{}{})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "DIR:  sub")
	assert.Contains(t, result.Output, "FILE: a.txt")

	result = tool.Execute(context.Background(), map[string]interface{}{"path": "nope"})
	assert.Equal(t, "Directory not found: nope", result.Error)
}

type fakeSpawner struct {
	gotTask, gotLabel string
	err               error
}

func (f *fakeSpawner) Spawn(_ context.Context, description, label string) (string, error) {
	f.gotTask, f.gotLabel = description, label
	if f.err != nil {
		return "", f.err
	}
	return "task-123", nil
}

func TestSpawnTool(t *testing.T) {
	sp := &fakeSpawner{}
	tool := NewSpawnTool(sp)

	result := tool.Execute(context.Background(), map[string]interface{}{"task": "summarise logs", "label": "logs"})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "task-123")
	assert.Equal(t, "summarise logs", sp.gotTask)
	assert.Equal(t, "logs", sp.gotLabel)

	result = tool.Execute(context.Background(), map[string]interface{}{})
	assert.Equal(t, "Task is required", result.Error)

	sp.err = errors.New("queue closed")
	result = tool.Execute(context.Background(), map[string]interface{}{"task": "x"})
	assert.Equal(t, "Failed to spawn subagent: queue closed", result.Error)

	result = NewSpawnTool(nil).Execute(context.Background(), map[string]interface{}{"task": "x"})
	assert.False(t, result.Success)
}
