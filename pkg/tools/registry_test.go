package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubTool struct {
	name   string
	desc   string
	params map[string]interface{}
	run    func(ctx context.Context, args map[string]interface{}) *ToolResult
	calls  atomic.Int32
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }
func (s *stubTool) Parameters() map[string]interface{} {
	if s.params != nil {
		return s.params
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"value": map[string]interface{}{"type": "string", "description": "a value"},
		},
		"required": []string{"value"},
	}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	s.calls.Add(1)
	if s.run != nil {
		return s.run(ctx, args)
	}
	return Success("ok")
}

func TestRegistry_DefinitionsFollowRegistrationOrder(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&stubTool{name: "zeta", desc: "last letter"})
	r.Register(&stubTool{name: "alpha", desc: "first letter"})
	r.Register(&stubTool{name: "mid", desc: "middle"})

	defs := r.GetDefinitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "zeta", defs[0].Function.Name)
	assert.Equal(t, "alpha", defs[1].Function.Name)
	assert.Equal(t, "mid", defs[2].Function.Name)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.List())

	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.Equal(t, "object", d.Function.Parameters["type"])
		assert.Contains(t, d.Function.Parameters, "properties")
		assert.Contains(t, d.Function.Parameters, "required")
	}
}

func TestRegistry_DefinitionsAreIdempotent(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&stubTool{name: "a", desc: "A"})
	r.Register(&stubTool{name: "b", desc: "B"})

	assert.Equal(t, r.GetDefinitions(), r.GetDefinitions())
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&stubTool{name: "echo", desc: "first"})
	r.Register(&stubTool{name: "other", desc: "other"})
	r.Register(&stubTool{name: "echo", desc: "second"})

	assert.Equal(t, 2, r.Count())
	defs := r.GetDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "echo", defs[0].Function.Name)
	assert.Equal(t, "second", defs[0].Function.Description)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&stubTool{name: "a"})
	r.Register(&stubTool{name: "b"})

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, []string{"b"}, r.List())
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestRegistry_ToolNotFound(t *testing.T) {
	r := NewToolRegistry()

	result := r.Execute(context.Background(), "missing", nil)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "Tool not found: missing", result.Error)
	assert.Equal(t, "Error: Tool not found: missing", result.Content())
}

func TestRegistry_IsolatesPanics(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&stubTool{name: "boom", run: func(context.Context, map[string]interface{}) *ToolResult {
		panic("kaboom")
	}})
	r.Register(&stubTool{name: "boom-err", run: func(context.Context, map[string]interface{}) *ToolResult {
		panic(errors.New("disk on fire"))
	}})
	r.Register(&stubTool{name: "nil", run: func(context.Context, map[string]interface{}) *ToolResult {
		return nil
	}})

	var result *ToolResult
	require.NotPanics(t, func() { result = r.Execute(context.Background(), "boom", nil) })
	assert.False(t, result.Success)
	assert.Equal(t, "Tool execution failed: kaboom", result.Error)

	require.NotPanics(t, func() { result = r.Execute(context.Background(), "boom-err", nil) })
	assert.False(t, result.Success)
	assert.Equal(t, "Tool execution failed: disk on fire", result.Error)

	require.NotPanics(t, func() { result = r.Execute(context.Background(), "nil", nil) })
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Tool execution failed")
}

func TestRegistry_ExecutePassesArgs(t *testing.T) {
	r := NewToolRegistry()
	tool := &stubTool{name: "echo", run: func(_ context.Context, args map[string]interface{}) *ToolResult {
		v, _ := args["value"].(string)
		return Success("echo: " + v)
	}}
	r.Register(tool)

	result := r.Execute(context.Background(), "echo", map[string]interface{}{"value": "hi"})
	assert.True(t, result.Success)
	assert.Equal(t, "echo: hi", result.Content())
	assert.EqualValues(t, 1, tool.calls.Load())
}

func TestToolToSchema_FillsMissingFields(t *testing.T) {
	tool := &stubTool{name: "bare", desc: "no schema", params: map[string]interface{}{}}
	def := ToolToSchema(tool)

	assert.Equal(t, "function", def.Type)
	assert.Equal(t, "bare", def.Function.Name)
	assert.Equal(t, "object", def.Function.Parameters["type"])
	assert.Equal(t, map[string]interface{}{}, def.Function.Parameters["properties"])
	assert.Equal(t, []string{}, def.Function.Parameters["required"])
}

func TestOrigin(t *testing.T) {
	_, ok := OriginFrom(context.Background())
	assert.False(t, ok)

	ctx := WithOrigin(context.Background(), "telegram", "42")
	o, ok := OriginFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, Origin{Channel: "telegram", ChatID: "42"}, o)
}
