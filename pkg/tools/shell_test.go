package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func runShell(t *testing.T, tool *ShellTool, command string) *ToolResult {
	t.Helper()
	return tool.Execute(context.Background(), map[string]interface{}{"command": command})
}

func TestShellTool_DeniedKeywordAnywhere(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	tool := NewShellTool(ShellOptions{DeniedCommands: []string{"rm -rf"}})

	result := runShell(t, tool, "touch "+marker+" && rm -rf /tmp/nothing-here")
	assert.False(t, result.Success)
	assert.Equal(t, "Command contains denied keyword: rm -rf", result.Error)

	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "denied command must not reach a subprocess")
}

func TestShellTool_AllowedPrefixes(t *testing.T) {
	tool := NewShellTool(ShellOptions{AllowedCommands: []string{"git", "ls"}})

	assert.Equal(t, "Command is not in the allowed list", tool.CheckPolicy("echo hi"))
	assert.Empty(t, tool.CheckPolicy("git status"))
	assert.Empty(t, tool.CheckPolicy("ls -la"))

	result := runShell(t, tool, "echo hi")
	assert.False(t, result.Success)
	assert.Equal(t, "Command is not in the allowed list", result.Error)
}

func TestShellTool_DenyCheckedBeforeAllow(t *testing.T) {
	tool := NewShellTool(ShellOptions{
		AllowedCommands: []string{"git"},
		DeniedCommands:  []string{"push --force"},
	})
	assert.Equal(t, "Command contains denied keyword: push --force", tool.CheckPolicy("git push --force"))
}

func TestShellTool_EmptyKeywordsIgnored(t *testing.T) {
	tool := NewShellTool(ShellOptions{DeniedCommands: []string{""}, AllowedCommands: []string{""}})
	assert.Empty(t, tool.CheckPolicy("echo ok"))
}

func TestShellTool_Output(t *testing.T) {
	tool := NewShellTool(ShellOptions{})

	result := runShell(t, tool, "echo hello")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "hello\n", result.Output)

	result = runShell(t, tool, "echo out; echo err 1>&2")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "out\n\nSTDERR:\nerr\n", result.Output)

	result = runShell(t, tool, "true")
	require.True(t, result.Success)
	assert.Equal(t, "Command executed successfully (no output)", result.Output)
}

func TestShellTool_Failure(t *testing.T) {
	tool := NewShellTool(ShellOptions{})

	result := runShell(t, tool, "echo broken 1>&2; exit 3")
	assert.False(t, result.Success)
	assert.Equal(t, "Command failed: broken\n", result.Error)

	result = runShell(t, tool, "exit 2")
	assert.False(t, result.Success)
	assert.True(t, strings.HasPrefix(result.Error, "Command failed: "))
	assert.Contains(t, result.Error, "exit status 2")

	result = tool.Execute(context.Background(), map[string]interface{}{})
	assert.Equal(t, "Command is required", result.Error)
}

func TestShellTool_Timeout(t *testing.T) {
	tool := NewShellTool(ShellOptions{Timeout: 200 * time.Millisecond})

	start := time.Now()
	result := runShell(t, tool, "sleep 5")
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestShellTool_OutputCap(t *testing.T) {
	tool := NewShellTool(ShellOptions{MaxOutput: 1024})

	result := runShell(t, tool, "yes nanoclaw | head -c 100000")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "output exceeded 1024 bytes")
}

func TestShellTool_WorkspaceWorkingDir(t *testing.T) {
	dir := t.TempDir()
	tool := NewShellTool(ShellOptions{WorkingDir: dir, RestrictToWorkspace: true})

	result := runShell(t, tool, "pwd")
	require.True(t, result.Success, result.Error)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(result.Output))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestShellTool_RestrictedDefaultsToProcessDir(t *testing.T) {
	tool := NewShellTool(ShellOptions{RestrictToWorkspace: true})

	result := runShell(t, tool, "pwd")
	require.True(t, result.Success, result.Error)

	wd, err := os.Getwd()
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(wd)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(result.Output))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestShellTool_ConcurrencyLimit(t *testing.T) {
	limiter := semaphore.NewWeighted(1)
	dir := t.TempDir()
	tool := NewShellTool(ShellOptions{Limiter: limiter})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Fails if another command holds the lock file concurrently.
			cmd := "mkdir " + filepath.Join(dir, "lock") + " && sleep 0.1 && rmdir " + filepath.Join(dir, "lock")
			if r := tool.Execute(context.Background(), map[string]interface{}{"command": cmd}); !r.Success {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
}

func TestShellTool_LimiterHonoursContext(t *testing.T) {
	limiter := semaphore.NewWeighted(1)
	require.True(t, limiter.TryAcquire(1))
	defer limiter.Release(1)

	tool := NewShellTool(ShellOptions{Limiter: limiter})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := tool.Execute(ctx, map[string]interface{}{"command": "echo never"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Command cancelled")
}
