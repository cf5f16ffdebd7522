package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

const (
	DefaultShellTimeout = 30 * time.Second
	// MaxShellOutput caps each of stdout and stderr.
	MaxShellOutput = 1 << 20
)

type ShellOptions struct {
	// WorkingDir pins the command's directory when RestrictToWorkspace is
	// set. Empty means the process working directory.
	WorkingDir          string
	RestrictToWorkspace bool
	AllowedCommands     []string
	DeniedCommands      []string
	Timeout             time.Duration
	MaxOutput           int
	// Limiter bounds concurrent commands across every ShellTool sharing it.
	Limiter *semaphore.Weighted
}

// ShellTool runs a command through "sh -c" after applying the deny and allow
// lists.
type ShellTool struct {
	workingDir          string
	restrictToWorkspace bool
	allowed             []string
	denied              []string
	timeout             time.Duration
	maxOutput           int
	limiter             *semaphore.Weighted
}

func NewShellTool(opts ShellOptions) *ShellTool {
	t := &ShellTool{
		workingDir:          opts.WorkingDir,
		restrictToWorkspace: opts.RestrictToWorkspace,
		allowed:             nonEmpty(opts.AllowedCommands),
		denied:              nonEmpty(opts.DeniedCommands),
		timeout:             opts.Timeout,
		maxOutput:           opts.MaxOutput,
		limiter:             opts.Limiter,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultShellTimeout
	}
	if t.maxOutput <= 0 {
		t.maxOutput = MaxShellOutput
	}
	if t.restrictToWorkspace && t.workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			t.workingDir = wd
		}
	}
	return t
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Execute shell commands"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

// CheckPolicy returns the rejection message for command, or "" when it may
// run. Denied keywords are checked before the allow list.
func (t *ShellTool) CheckPolicy(command string) string {
	for _, denied := range t.denied {
		if strings.Contains(command, denied) {
			return fmt.Sprintf("Command contains denied keyword: %s", denied)
		}
	}
	if len(t.allowed) > 0 {
		for _, prefix := range t.allowed {
			if strings.HasPrefix(command, prefix) {
				return ""
			}
		}
		return "Command is not in the allowed list"
	}
	return ""
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command, _ := stringArg(args, "command")
	if command == "" {
		return Failure("Command is required")
	}

	if msg := t.CheckPolicy(command); msg != "" {
		logger.WarnCF("tool", "Shell command rejected", map[string]interface{}{
			"command": command,
			"reason":  msg,
		})
		return Failure(msg)
	}

	if t.limiter != nil {
		if err := t.limiter.Acquire(ctx, 1); err != nil {
			return Failure(fmt.Sprintf("Command cancelled: %v", err))
		}
		defer t.limiter.Release(1)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	if t.restrictToWorkspace {
		cmd.Dir = t.workingDir
	}
	// Children holding the pipes open must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: t.maxOutput, onOverflow: cancel}
	stderr := &cappedBuffer{limit: t.maxOutput, onOverflow: cancel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	switch {
	case stdout.Overflowed() || stderr.Overflowed():
		return Failure(fmt.Sprintf("Command failed: output exceeded %d bytes", t.maxOutput))
	case ctx.Err() != nil:
		return Failure(fmt.Sprintf("Command cancelled: %v", ctx.Err()))
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return Failure(fmt.Sprintf("Command failed: timed out after %s", t.timeout))
	case err != nil:
		detail := stdout.String()
		if detail == "" {
			detail = stderr.String()
		}
		if detail == "" {
			detail = err.Error()
		}
		return Failure("Command failed: " + detail)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\nSTDERR:\n" + stderr.String()
	}
	if output == "" {
		output = "Command executed successfully (no output)"
	}
	return Success(output)
}

// cappedBuffer keeps at most limit bytes and calls onOverflow once when more
// arrive. Further writes are discarded so the child never blocks on a full
// pipe while it is being killed.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflow   bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflow {
		return len(p), nil
	}
	if b.buf.Len()+len(p) > b.limit {
		b.buf.Write(p[:b.limit-b.buf.Len()])
		b.overflow = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
