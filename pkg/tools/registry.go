package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/metrics"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// ToolRegistry holds tools by name and remembers registration order, which
// is the order definitions are offered to the model.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	metrics *metrics.Metrics
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

func (r *ToolRegistry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Register adds tool. Registering an existing name replaces the tool but
// keeps its original position.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs the named tool. It never panics: unknown tools, panics and
// nil results all come back as failed results.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		logger.ErrorCF("tool", "Tool not found", map[string]interface{}{
			"tool": name,
		})
		return Failure(fmt.Sprintf("Tool not found: %s", name))
	}

	logger.InfoCF("tool", "Tool execution started", map[string]interface{}{
		"tool": name,
		"args": args,
	})

	start := time.Now()
	result := r.invoke(ctx, tool, args)
	duration := time.Since(start)

	r.mu.RLock()
	m := r.metrics
	r.mu.RUnlock()
	m.ObserveTool(name, result.Success, duration)

	if result.Success {
		logger.InfoCF("tool", "Tool execution completed", map[string]interface{}{
			"tool":          name,
			"duration_ms":   duration.Milliseconds(),
			"result_length": len(result.Output),
		})
	} else {
		logger.WarnCF("tool", "Tool execution failed", map[string]interface{}{
			"tool":        name,
			"duration_ms": duration.Milliseconds(),
			"error":       utils.Truncate(result.Error, 200),
		})
	}
	return result
}

func (r *ToolRegistry) invoke(ctx context.Context, tool Tool, args map[string]interface{}) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Failure(fmt.Sprintf("Tool execution failed: %v", rec))
		}
	}()

	result = tool.Execute(ctx, args)
	if result == nil {
		result = Failure("Tool execution failed: tool returned no result")
	}
	return result
}

// GetDefinitions returns every tool's schema in registration order.
func (r *ToolRegistry) GetDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, ToolToSchema(r.tools[name]))
	}
	return defs
}

// List returns tool names in registration order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToolToSchema renders tool in the function-calling wire shape, filling in
// "type", "properties" and "required" when the tool leaves them out.
func ToolToSchema(tool Tool) providers.ToolDefinition {
	params := make(map[string]interface{})
	for k, v := range tool.Parameters() {
		params[k] = v
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	if _, ok := params["properties"]; !ok {
		params["properties"] = map[string]interface{}{}
	}
	if _, ok := params["required"]; !ok {
		params["required"] = []string{}
	}

	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  params,
		},
	}
}
