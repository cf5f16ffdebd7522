package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/cost"
	"github.com/nanoclaw/nanoclaw/pkg/metrics"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
	"github.com/nanoclaw/nanoclaw/pkg/skills"
)

// runtime is the agent stack shared by the agent and gateway commands.
type runtime struct {
	cfg       *config.Config
	store     session.Store
	skills    *skills.SkillsLoader
	registry  *prometheus.Registry
	factory   *agent.Factory
	pool      *agent.LoopPool
	subagents *agent.SubagentManager
	usage     *cost.Tracker
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	return newRuntimeWithProvider(cfg, provider)
}

func newRuntimeWithProvider(cfg *config.Config, provider providers.LLMProvider) (*runtime, error) {
	usage, err := cost.NewTracker(cfg.Cost, cost.UsagePath(cfg.WorkspacePath()))
	if err != nil {
		return nil, err
	}
	provider = cost.WrapProvider(provider, usage)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	skillsLoader := skills.NewSkillsLoader(cfg.WorkspacePath(), globalSkillsDir(), "")
	opts := agent.FactoryOptions{
		Config:   cfg,
		Provider: provider,
		Store:    store,
		Skills:   skillsLoader,
		Metrics:  metrics.New(registry),
	}
	if usage != nil {
		opts.Usage = usage
	}
	factory := agent.NewFactory(opts)
	subagents := agent.NewSubagentManager(factory.RunSubagent, cfg.Agents.Subagents.MaxConcurrent)
	factory.SetSpawner(subagents)

	pool, err := agent.NewLoopPool(factory, cfg.Session.CacheSize)
	if err != nil {
		subagents.Stop()
		store.Close()
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		store:     store,
		skills:    skillsLoader,
		registry:  registry,
		factory:   factory,
		pool:      pool,
		subagents: subagents,
		usage:     usage,
	}, nil
}

func openStore(cfg *config.Config) (session.Store, error) {
	return session.Open(cfg.Session.Backend, cfg.SessionDir(), config.ExpandHome(cfg.Session.SQLitePath))
}

// handle adapts the pool to the heartbeat and cron handler signature.
func (r *runtime) handle(ctx context.Context, sessionID, prompt string) (string, error) {
	resp, err := r.pool.Process(ctx, sessionID, prompt)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *runtime) subagentMaxAge() time.Duration {
	return time.Duration(r.cfg.Agents.Subagents.MaxAgeMinutes) * time.Minute
}

func (r *runtime) Close() error {
	r.subagents.Stop()
	return r.store.Close()
}
