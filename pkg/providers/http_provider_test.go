package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/config"
)

func testProviders() config.ProvidersConfig {
	return config.ProvidersConfig{
		"anthropic": &config.ProviderConfig{
			APIKey:        "sk-ant",
			APIBase:       "https://api.anthropic.com/v1",
			ModelPatterns: []string{"anthropic/", "claude"},
		},
		"openai": &config.ProviderConfig{
			APIKey:        "sk-oai",
			APIBase:       "https://api.openai.com/v1",
			ModelPatterns: []string{"openai/", "gpt"},
		},
		"openrouter": &config.ProviderConfig{
			APIKey:        "sk-or",
			APIBase:       "https://openrouter.ai/api/v1",
			ModelPatterns: []string{"openrouter/", "meta-llama/"},
			Fallback:      true,
		},
		"groq": &config.ProviderConfig{
			APIKey:        "gsk-groq",
			APIBase:       "https://api.groq.com/openai/v1",
			ModelPatterns: []string{"groq/"},
		},
	}
}

func TestMatchProviderByModel(t *testing.T) {
	providers := testProviders()

	tests := []struct {
		model    string
		wantName string
	}{
		{"anthropic/claude-sonnet-4", "anthropic"},
		{"openai/gpt-4.1", "openai"},
		{"meta-llama/llama-3-70b", "openrouter"},
		{"groq/llama3-8b", "groq"},
		{"claude-3-opus", "anthropic"},
		{"gpt-4o-mini", "openai"},
		{"mistral-large", "openrouter"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			name, p := matchProviderByModel(tt.model, providers)
			require.NotNil(t, p)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestMatchProviderByModel_BareAPIBaseAndNoMatch(t *testing.T) {
	providers := config.ProvidersConfig{
		"vllm": &config.ProviderConfig{APIBase: "http://localhost:8000/v1"},
	}
	name, p := matchProviderByModel("my-local-model", providers)
	require.NotNil(t, p)
	assert.Equal(t, "vllm", name)

	name, p = matchProviderByModel("anything", config.ProvidersConfig{})
	assert.Nil(t, p)
	assert.Empty(t, name)
}

func TestCreateProviderForModel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers["anthropic"] = &config.ProviderConfig{
		APIKey:         "sk-ant",
		APIBase:        "https://api.anthropic.com/v1",
		UserAgent:      "nanoclaw-test/1.0",
		ModelPatterns:  []string{"anthropic/", "claude"},
		TimeoutSeconds: 15,
	}

	provider, err := CreateProviderForModel("anthropic/claude-opus-4-5", "", cfg)
	require.NoError(t, err)
	hp, ok := provider.(*HTTPProvider)
	require.True(t, ok)
	assert.Equal(t, "sk-ant", hp.apiKey)
	assert.Equal(t, "nanoclaw-test/1.0", hp.userAgent)
	assert.Equal(t, 15*time.Second, hp.httpClient.Timeout)
	assert.Equal(t, "claude-opus-4-5", hp.GetDefaultModel())

	provider, err = CreateProviderForModel("whatever", "anthropic", cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.com/v1", provider.(*HTTPProvider).apiBase)
}

func TestCreateProviderForModel_ConfigErrors(t *testing.T) {
	cfg := config.DefaultConfig()

	_, err := CreateProviderForModel("model", "nonexistent", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "unknown provider")

	_, err = CreateProviderForModel("some-model", "", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg.Providers["openai"] = &config.ProviderConfig{APIBase: "https://api.openai.com/v1", ModelPatterns: []string{"openai/"}}
	_, err = CreateProviderForModel("openai/gpt-4o", "", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key configured")
}

func TestCreateProviderForModel_LocalProviderNeedsNoKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers["ollama"] = &config.ProviderConfig{APIBase: "http://localhost:11434/v1", ModelPatterns: []string{"ollama/"}}

	provider, err := CreateProviderForModel("ollama/llama3", "", cfg)
	require.NoError(t, err)
	assert.Equal(t, "llama3", provider.GetDefaultModel())
}

func TestHTTPProvider_Chat(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "shell", "arguments": "{\"command\": \"ls\"}"}
					}, {
						"id": "call_2",
						"type": "function",
						"function": {"name": "read_file", "arguments": "{not json"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p := NewHTTPProvider("sk-test", server.URL, "", time.Second)
	tools := []ToolDefinition{{
		Type: "function",
		Function: ToolFunctionDefinition{
			Name:        "shell",
			Description: "run a command",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}, "required": []string{}},
		},
	}}
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, tools, "gpt-4o",
		map[string]interface{}{"max_tokens": 256, "temperature": 0.2})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", gotBody["model"])
	assert.EqualValues(t, 256, gotBody["max_tokens"])
	assert.InDelta(t, 0.2, gotBody["temperature"], 1e-9)
	assert.Equal(t, "auto", gotBody["tool_choice"])

	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "function", resp.ToolCalls[0].Type)
	assert.Equal(t, `{"command": "ls"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "{not json", resp.ToolCalls[1].Function.Arguments, "raw arguments must pass through untouched")
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestHTTPProvider_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	p := NewHTTPProvider("k", server.URL, "", time.Second)
	p.retryDelay = func(int, string, []byte) time.Duration { return time.Millisecond }

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	p := NewHTTPProvider("k", server.URL, "", time.Second)
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "m", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad key")
}

func TestHTTPProvider_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	p := NewHTTPProvider("k", server.URL, "", time.Second)
	_, err := p.Chat(context.Background(), nil, nil, "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestStripThinkTags(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"<think>hidden</think>visible", "visible"},
		{"a<think>x</think>b<think>y</think>c", "abc"},
		{"before<think>unclosed", "before"},
		{"leaked</think> answer", "answer"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripThinkTags(tt.in), tt.in)
	}
}

func TestParseRetryDelay(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryDelay("3", nil))
	assert.Equal(t, 1500*time.Millisecond, parseRetryDelay("", []byte(`{"error":{"details":[{"retryDelay":"1.5s"}]}}`)))
	assert.Equal(t, 5*time.Second, parseRetryDelay("soon", nil))
}
