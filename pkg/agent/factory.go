package agent

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/metrics"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

type FactoryOptions struct {
	Config   *config.Config
	Provider providers.LLMProvider
	Store    session.Store
	Skills   SkillSource
	Metrics  *metrics.Metrics
	// Usage enables the usage_summary tool when set.
	Usage tools.UsageReporter
}

// Factory builds one AgentLoop per session. The provider, store, skills and
// the shell concurrency limiter are shared by every loop it creates; memory
// and the tool registry are per loop.
type Factory struct {
	cfg          *config.Config
	provider     providers.LLMProvider
	store        session.Store
	skills       SkillSource
	metrics      *metrics.Metrics
	usage        tools.UsageReporter
	workspace    string
	shellLimiter *semaphore.Weighted

	mu      sync.RWMutex
	spawner tools.Spawner
}

func NewFactory(opts FactoryOptions) *Factory {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	workspace := cfg.WorkspacePath()
	if workspace != "" {
		if err := os.MkdirAll(workspace, 0755); err != nil {
			logger.WarnCF("agent", "Failed to create workspace", map[string]interface{}{
				"workspace": workspace,
				"error":     err.Error(),
			})
		}
	}

	var limiter *semaphore.Weighted
	if n := cfg.Tools.MaxConcurrentShell; n > 0 {
		limiter = semaphore.NewWeighted(int64(n))
	}

	return &Factory{
		cfg:          cfg,
		provider:     opts.Provider,
		store:        opts.Store,
		skills:       opts.Skills,
		metrics:      opts.Metrics,
		usage:        opts.Usage,
		workspace:    workspace,
		shellLimiter: limiter,
	}
}

// SetSpawner enables the spawn tool on loops created afterwards.
func (f *Factory) SetSpawner(s tools.Spawner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawner = s
}

func (f *Factory) Store() session.Store {
	return f.store
}

func (f *Factory) Workspace() string {
	return f.workspace
}

// Model is the model id sent to the provider. Providers that strip a routing
// prefix report the stripped id as their default.
func (f *Factory) Model() string {
	if f.provider != nil {
		if m := f.provider.GetDefaultModel(); m != "" {
			return m
		}
	}
	return f.cfg.Agents.Defaults.Model
}

func (f *Factory) NewLoop(sessionID string) *AgentLoop {
	f.mu.RLock()
	spawner := f.spawner
	f.mu.RUnlock()
	return f.build(sessionID, f.cfg.Agents.Defaults.MaxToolIterations, spawner)
}

// NewSubagentLoop builds a loop without the spawn tool so background tasks
// cannot fan out further.
func (f *Factory) NewSubagentLoop(sessionID string) *AgentLoop {
	maxIter := f.cfg.Agents.Subagents.MaxIterations
	if maxIter <= 0 {
		maxIter = f.cfg.Agents.Defaults.MaxToolIterations
	}
	return f.build(sessionID, maxIter, nil)
}

// RunSubagent processes a task on a fresh subagent loop and returns the final
// content. It satisfies TaskRunner.
func (f *Factory) RunSubagent(ctx context.Context, sessionID, task string) (string, error) {
	resp, err := f.NewSubagentLoop(sessionID).ProcessMessage(ctx, task)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (f *Factory) build(sessionID string, maxIterations int, spawner tools.Spawner) *AgentLoop {
	d := f.cfg.Agents.Defaults
	return NewAgentLoop(LoopOptions{
		SessionID: sessionID,
		Config: AgentConfig{
			Model:           f.Model(),
			Temperature:     d.Temperature,
			MaxTokens:       d.MaxTokens,
			SystemPrompt:    d.SystemPrompt,
			MaxContextChars: d.MaxContextChars,
		},
		MaxIterations: maxIterations,
		Provider:      f.provider,
		Memory:        NewMemory(sessionID, f.store, d.MaxMessages),
		Tools:         f.buildTools(spawner),
		Skills:        f.skills,
		Metrics:       f.metrics,
	})
}

func (f *Factory) buildTools(spawner tools.Spawner) *tools.ToolRegistry {
	restrict := f.cfg.IsRestrictToWorkspace()

	registry := tools.NewToolRegistry()
	registry.SetMetrics(f.metrics)
	// a restricted shell runs in the process working directory, not the
	// workspace; the file tools are the ones rooted at the workspace
	registry.Register(tools.NewShellTool(tools.ShellOptions{
		RestrictToWorkspace: restrict,
		AllowedCommands:     f.cfg.Tools.AllowedCommands,
		DeniedCommands:      f.cfg.Tools.DeniedCommands,
		Limiter:             f.shellLimiter,
	}))
	registry.Register(tools.NewReadFileTool(f.workspace, restrict))
	registry.Register(tools.NewWriteFileTool(f.workspace, restrict))
	registry.Register(tools.NewListDirTool(f.workspace, restrict))
	if spawner != nil {
		registry.Register(tools.NewSpawnTool(spawner))
	}
	if f.usage != nil {
		registry.Register(tools.NewUsageTool(f.usage))
	}
	return registry
}
