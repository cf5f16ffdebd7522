// Package gateway runs the long-lived nanoclaw process: chat channels, the
// HTTP API, heartbeat and cron, all feeding one agent pool.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/channels"
	"github.com/nanoclaw/nanoclaw/pkg/cron"
	"github.com/nanoclaw/nanoclaw/pkg/heartbeat"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

const ErrorReply = "Sorry, I encountered an error processing your message. Please try again."

type Options struct {
	Bus       *bus.MessageBus
	Agent     Agent
	Channels  *channels.Manager
	Server    *Server
	Heartbeat *heartbeat.Service
	Cron      *cron.Service
	// Subagents, when set, has finished tasks older than SubagentMaxAge
	// pruned periodically.
	Subagents      *agent.SubagentManager
	SubagentMaxAge time.Duration
}

type Gateway struct {
	bus       *bus.MessageBus
	agent     Agent
	channels  *channels.Manager
	server    *Server
	heartbeat *heartbeat.Service
	cron      *cron.Service
	subagents *agent.SubagentManager
	maxAge    time.Duration

	inflight sync.WaitGroup
}

func New(opts Options) *Gateway {
	return &Gateway{
		bus:       opts.Bus,
		agent:     opts.Agent,
		channels:  opts.Channels,
		server:    opts.Server,
		heartbeat: opts.Heartbeat,
		cron:      opts.Cron,
		subagents: opts.Subagents,
		maxAge:    opts.SubagentMaxAge,
	}
}

// Run starts every configured component and blocks until ctx is cancelled
// or one of them fails. The bus is closed on the way out.
func (g *Gateway) Run(ctx context.Context) error {
	if g.bus == nil || g.agent == nil {
		return fmt.Errorf("gateway requires a bus and an agent")
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.consumeInbound(gctx)
		// closing first releases handlers blocked on a full outbound queue
		g.bus.Close()
		g.inflight.Wait()
		return nil
	})

	if g.channels != nil {
		if err := g.channels.StartAll(gctx); err != nil {
			logger.WarnCF("gateway", "Some channels failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
		group.Go(func() error {
			g.channels.DispatchOutbound(gctx)
			return nil
		})
	}

	if g.server != nil {
		group.Go(func() error {
			return g.server.Run(gctx)
		})
	}
	if g.heartbeat != nil {
		group.Go(func() error {
			return g.heartbeat.Run(gctx)
		})
	}
	if g.cron != nil {
		group.Go(func() error {
			return g.cron.Run(gctx)
		})
	}

	if g.subagents != nil && g.maxAge > 0 {
		group.Go(func() error {
			g.pruneSubagents(gctx)
			return nil
		})
	}

	logger.InfoC("gateway", "Gateway running")
	err := group.Wait()

	if g.channels != nil {
		if stopErr := g.channels.StopAll(context.Background()); stopErr != nil {
			logger.WarnCF("gateway", "Failed to stop channels", map[string]interface{}{
				"error": stopErr.Error(),
			})
		}
	}
	logger.InfoC("gateway", "Gateway stopped")
	return err
}

func (g *Gateway) consumeInbound(ctx context.Context) {
	for {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		g.inflight.Add(1)
		go func(msg bus.InboundMessage) {
			defer g.inflight.Done()
			g.HandleInbound(ctx, msg)
		}(msg)
	}
}

// HandleInbound runs one inbound message through the agent and queues the
// reply for its channel. Failures are answered with ErrorReply.
func (g *Gateway) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	sessionID := msg.SessionKey
	if sessionID == "" {
		sessionID = msg.Channel + ":" + msg.ChatID
	}

	logger.InfoCF("gateway", "Handling message", map[string]interface{}{
		"channel": msg.Channel,
		"sender":  msg.SenderID,
		"session": sessionID,
	})

	content := ErrorReply
	resp, err := g.agent.Process(tools.WithOrigin(ctx, msg.Channel, msg.ChatID), sessionID, msg.Content)
	if err != nil {
		logger.ErrorCF("gateway", "Error handling message", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
	} else {
		content = resp.Content
	}
	if content == "" {
		return
	}

	g.bus.PublishOutboundCtx(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}

func (g *Gateway) pruneSubagents(ctx context.Context) {
	interval := g.maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.subagents.Cleanup(g.maxAge); n > 0 {
				logger.DebugCF("gateway", "Pruned subagent tasks", map[string]interface{}{"removed": n})
			}
		}
	}
}

// SubagentNotifier returns a completion callback that reports finished
// subagent tasks back to the chat that spawned them.
func SubagentNotifier(msgBus *bus.MessageBus) func(agent.SubagentTask) {
	return func(task agent.SubagentTask) {
		if task.OriginChannel == "" || task.OriginChatID == "" {
			return
		}
		name := task.Label
		if name == "" {
			name = task.ID
		}

		var content string
		switch task.Status {
		case agent.TaskCompleted:
			content = fmt.Sprintf("Subagent task %q completed:\n%s", name, task.Result)
		case agent.TaskFailed:
			content = fmt.Sprintf("Subagent task %q failed: %s", name, task.Error)
		default:
			return
		}

		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: task.OriginChannel,
			ChatID:  task.OriginChatID,
			Content: content,
		})
	}
}
