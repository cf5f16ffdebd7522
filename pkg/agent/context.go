package agent

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/skills"
)

const defaultSystemPrompt = `You are a helpful AI assistant powered by nanoclaw. You are knowledgeable, precise, and aim to be helpful.

Your capabilities:
- Answer questions accurately and concisely
- Execute tasks using available tools
- Remember context from the conversation
- Use skills to enhance your knowledge and capabilities

Guidelines:
- Be honest if you don't know something
- Use tools when they can help accomplish the task
- Keep responses clear and well-structured
- Respect user privacy and security`

// isoMillis matches the UTC timestamp format used in prompts, e.g.
// 2026-01-02T15:04:05.000Z.
const isoMillis = "2006-01-02T15:04:05.000Z"

// ContextBuilder assembles the message list sent to the provider. It holds no
// conversation state.
type ContextBuilder struct {
	systemPrompt string
	now          func() time.Time
}

func NewContextBuilder(systemPrompt string) *ContextBuilder {
	return &ContextBuilder{
		systemPrompt: systemPrompt,
		now:          time.Now,
	}
}

// BuildSystemPrompt renders, in order: the base prompt, the current time, the
// skills section and the tools section. Empty sections are omitted.
func (cb *ContextBuilder) BuildSystemPrompt(skillList []skills.Skill, toolDefs []providers.ToolDefinition) string {
	parts := make([]string, 0, 8+3*len(skillList)+len(toolDefs))

	if cb.systemPrompt != "" {
		parts = append(parts, cb.systemPrompt)
	} else {
		parts = append(parts, defaultSystemPrompt)
	}

	parts = append(parts, "\nCurrent time: "+cb.now().UTC().Format(isoMillis))

	if len(skillList) > 0 {
		parts = append(parts, "\n## Available Skills")
		parts = append(parts, "You have access to the following skills that provide additional context and capabilities:\n")
		for _, s := range skillList {
			parts = append(parts, "### "+s.Name, s.Description, "")
		}
	}

	if len(toolDefs) > 0 {
		parts = append(parts, "\n## Available Tools")
		parts = append(parts, "You can use the following tools to perform actions:\n")
		for _, td := range toolDefs {
			parts = append(parts, "- **"+td.Function.Name+"**: "+td.Function.Description)
		}
		parts = append(parts, "")
	}

	return strings.Join(parts, "\n")
}

// BuildContextMessages returns the system message followed by history.
func (cb *ContextBuilder) BuildContextMessages(history []providers.Message, skillList []skills.Skill, toolDefs []providers.ToolDefinition) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt(skillList, toolDefs)

	logger.DebugCF("agent", "System prompt built", map[string]interface{}{
		"total_chars": utf8.RuneCountInString(systemPrompt),
		"skills":      len(skillList),
		"tools":       len(toolDefs),
	})

	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, providers.Message{
		Role:    providers.RoleSystem,
		Content: systemPrompt,
	})
	return append(messages, history...)
}

// TruncateContext keeps messages within maxLength characters of content.
// System messages always stay; the remaining budget is filled with the newest
// messages, scanning backwards until the first one that does not fit.
// Lengths are counted in runes, which only approximates tokens.
func TruncateContext(messages []providers.Message, maxLength int) []providers.Message {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content)
	}
	if total <= maxLength {
		return messages
	}

	var system, others []providers.Message
	used := 0
	for _, m := range messages {
		if m.Role == providers.RoleSystem {
			system = append(system, m)
			used += utf8.RuneCountInString(m.Content)
		} else {
			others = append(others, m)
		}
	}

	start := len(others)
	for i := len(others) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(others[i].Content)
		if used+n > maxLength {
			break
		}
		used += n
		start = i
	}

	out := make([]providers.Message, 0, len(system)+len(others)-start)
	out = append(out, system...)
	return append(out, others[start:]...)
}

// sanitizeHistory removes orphaned tool-related messages. Every tool message
// must follow an assistant message that issued its tool_call_id, and every
// assistant tool call must have its result; truncation can break either.
func sanitizeHistory(history []providers.Message) []providers.Message {
	if len(history) == 0 {
		return history
	}

	validIDs := make(map[string]bool)
	for _, msg := range history {
		if msg.Role == providers.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					validIDs[tc.ID] = true
				}
			}
		}
	}

	result := make([]providers.Message, 0, len(history))
	answered := make(map[string]bool)
	for _, msg := range history {
		if msg.Role == providers.RoleTool {
			if msg.ToolCallID == "" || !validIDs[msg.ToolCallID] {
				continue
			}
			answered[msg.ToolCallID] = true
		}
		result = append(result, msg)
	}

	final := make([]providers.Message, 0, len(result))
	for _, msg := range result {
		if msg.Role == providers.RoleAssistant && len(msg.ToolCalls) > 0 {
			complete := true
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" && !answered[tc.ID] {
					complete = false
					break
				}
			}
			if !complete {
				// Keep the text, drop the dangling calls.
				final = append(final, providers.Message{Role: providers.RoleAssistant, Content: msg.Content})
				continue
			}
		}
		final = append(final, msg)
	}

	// Results whose assistant message lost its calls above are orphans now.
	kept := make(map[string]bool)
	for _, msg := range final {
		for _, tc := range msg.ToolCalls {
			kept[tc.ID] = true
		}
	}
	out := final[:0]
	for _, msg := range final {
		if msg.Role == providers.RoleTool && !kept[msg.ToolCallID] {
			continue
		}
		out = append(out, msg)
	}
	return out
}
