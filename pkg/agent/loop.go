// nanoclaw - Lightweight personal AI assistant
// License: MIT

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/metrics"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/skills"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const (
	DefaultMaxIterations = 10

	FinishReasonMaxIterations = "max_iterations"
	maxIterationsMessage      = "I apologize, but I was unable to complete your request."
)

// AgentConfig is fixed for the lifetime of a loop.
type AgentConfig struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	// MaxContextChars enables character-based prompt truncation when > 0.
	MaxContextChars int
}

// SkillSource lists the skills advertised in the system prompt. It is called
// on every iteration.
type SkillSource interface {
	ListSkills() []skills.Skill
}

type AgentResponse struct {
	Content string `json:"content"`
	// ToolCalls lists every call executed while producing Content.
	ToolCalls    []providers.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string               `json:"finish_reason,omitempty"`
}

type LoopOptions struct {
	SessionID     string
	Config        AgentConfig
	MaxIterations int
	Provider      providers.LLMProvider
	Memory        *Memory
	Tools         *tools.ToolRegistry
	Skills        SkillSource
	Metrics       *metrics.Metrics
}

// AgentLoop answers user messages for one session, running tool rounds until
// the model produces a plain reply or the iteration bound is hit.
//
// ProcessMessage must not be called concurrently on the same loop.
type AgentLoop struct {
	sessionID     string
	cfg           AgentConfig
	maxIterations int
	provider      providers.LLMProvider
	memory        *Memory
	tools         *tools.ToolRegistry
	skills        SkillSource
	context       *ContextBuilder
	metrics       *metrics.Metrics
}

func NewAgentLoop(opts LoopOptions) *AgentLoop {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	registry := opts.Tools
	if registry == nil {
		registry = tools.NewToolRegistry()
	}
	mem := opts.Memory
	if mem == nil {
		mem = NewMemory(opts.SessionID, nil, 0)
	}
	return &AgentLoop{
		sessionID:     opts.SessionID,
		cfg:           opts.Config,
		maxIterations: maxIter,
		provider:      opts.Provider,
		memory:        mem,
		tools:         registry,
		skills:        opts.Skills,
		context:       NewContextBuilder(opts.Config.SystemPrompt),
		metrics:       opts.Metrics,
	}
}

func (al *AgentLoop) ProcessMessage(ctx context.Context, text string) (*AgentResponse, error) {
	logger.InfoCF("agent", "Processing message", map[string]interface{}{
		"session_id": al.sessionID,
		"preview":    utils.Truncate(text, 80),
	})

	al.memory.AddMessage(providers.Message{Role: providers.RoleUser, Content: text})

	var executed []providers.ToolCall
	for iteration := 1; iteration <= al.maxIterations; iteration++ {
		al.metrics.ObserveIteration()

		var skillList []skills.Skill
		if al.skills != nil {
			skillList = al.skills.ListSkills()
		}
		toolDefs := al.tools.GetDefinitions()
		messages := al.context.BuildContextMessages(al.memory.GetMessages(), skillList, toolDefs)
		if al.cfg.MaxContextChars > 0 {
			messages = sanitizeHistory(TruncateContext(messages, al.cfg.MaxContextChars))
		}

		logger.DebugCF("agent", "LLM request", map[string]interface{}{
			"session_id":     al.sessionID,
			"iteration":      iteration,
			"max":            al.maxIterations,
			"model":          al.cfg.Model,
			"messages_count": len(messages),
			"tools_count":    len(toolDefs),
		})

		response, err := al.provider.Chat(ctx, messages, toolDefs, al.cfg.Model, map[string]interface{}{
			"max_tokens":  al.cfg.MaxTokens,
			"temperature": al.cfg.Temperature,
		})
		al.metrics.ObserveProvider(err)
		if err != nil {
			logger.ErrorCF("agent", "LLM call failed", map[string]interface{}{
				"session_id": al.sessionID,
				"iteration":  iteration,
				"error":      err.Error(),
			})
			al.metrics.ObserveRequest("error")
			return nil, fmt.Errorf("LLM call failed: %w", err)
		}

		if len(response.ToolCalls) == 0 {
			al.memory.AddMessage(providers.Message{Role: providers.RoleAssistant, Content: response.Content})
			logger.InfoCF("agent", "LLM response without tool calls", map[string]interface{}{
				"session_id":    al.sessionID,
				"iteration":     iteration,
				"content_chars": len(response.Content),
			})
			al.metrics.ObserveRequest("completed")
			return &AgentResponse{
				Content:      response.Content,
				ToolCalls:    executed,
				FinishReason: response.FinishReason,
			}, nil
		}

		calls := append([]providers.ToolCall(nil), response.ToolCalls...)
		al.memory.AddMessage(providers.Message{
			Role:      providers.RoleAssistant,
			Content:   response.Content,
			ToolCalls: calls,
		})

		for _, tc := range calls {
			result := al.executeToolCall(ctx, tc, iteration)
			al.memory.AddMessage(providers.Message{
				Role:       providers.RoleTool,
				Content:    result.Content(),
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
		}
		executed = append(executed, calls...)
	}

	logger.WarnCF("agent", "Max iterations reached", map[string]interface{}{
		"session_id":     al.sessionID,
		"max_iterations": al.maxIterations,
	})
	al.metrics.ObserveRequest(FinishReasonMaxIterations)
	return &AgentResponse{
		Content:      maxIterationsMessage,
		ToolCalls:    executed,
		FinishReason: FinishReasonMaxIterations,
	}, nil
}

func (al *AgentLoop) executeToolCall(ctx context.Context, tc providers.ToolCall, iteration int) *tools.ToolResult {
	name := tc.Function.Name
	args, err := parseToolArguments(tc.Function.Arguments)
	if err != nil {
		logger.WarnCF("agent", "Invalid tool arguments", map[string]interface{}{
			"tool":      name,
			"iteration": iteration,
			"error":     err.Error(),
		})
		return tools.Failure(fmt.Sprintf("Invalid arguments for tool %s: %v", name, err))
	}

	logger.InfoCF("agent", fmt.Sprintf("Tool call: %s(%s)", name, utils.Truncate(tc.Function.Arguments, 200)),
		map[string]interface{}{
			"tool":      name,
			"iteration": iteration,
		})

	start := time.Now()
	result := al.tools.Execute(ctx, name, args)
	logger.DebugCF("agent", "Tool call finished", map[string]interface{}{
		"tool":        name,
		"success":     result.Success,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result
}

// parseToolArguments decodes the provider's argument text. Empty and "null"
// payloads mean no arguments.
func parseToolArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func (al *AgentLoop) GetHistory() []providers.Message {
	return al.memory.GetMessages()
}

func (al *AgentLoop) ClearHistory() {
	al.memory.Clear()
}

func (al *AgentLoop) Memory() *Memory {
	return al.memory
}

func (al *AgentLoop) ToolRegistry() *tools.ToolRegistry {
	return al.tools
}

func (al *AgentLoop) SessionID() string {
	return al.sessionID
}
