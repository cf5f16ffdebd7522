// nanoclaw - Lightweight personal AI assistant
// License: MIT

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

const (
	maxRetries            = 3
	defaultTimeoutSeconds = 120
)

// HTTPProvider talks to any OpenAI-compatible /chat/completions endpoint.
type HTTPProvider struct {
	apiKey       string
	apiBase      string
	userAgent    string
	defaultModel string
	httpClient   *http.Client
	retryDelay   func(attempt int, retryAfter string, body []byte) time.Duration
}

func NewHTTPProvider(apiKey, apiBase, userAgent string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	return &HTTPProvider{
		apiKey:    apiKey,
		apiBase:   strings.TrimRight(apiBase, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryDelay: func(_ int, retryAfter string, body []byte) time.Duration {
			return parseRetryDelay(retryAfter, body)
		},
	}
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p.apiBase == "" {
		return nil, fmt.Errorf("API base not configured")
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}

	if len(tools) > 0 {
		requestBody["tools"] = tools
		requestBody["tool_choice"] = "auto"
	}

	if maxTokens, ok := options["max_tokens"].(int); ok && maxTokens > 0 {
		lowerModel := strings.ToLower(model)
		if strings.Contains(lowerModel, "o1") || strings.Contains(lowerModel, "o3") {
			requestBody["max_completion_tokens"] = maxTokens
		} else {
			requestBody["max_tokens"] = maxTokens
		}
	}

	if temperature, ok := options["temperature"].(float64); ok {
		requestBody["temperature"] = temperature
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := p.newRequest(ctx, jsonData)
		if err != nil {
			return nil, err
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return parseResponse(body)
		}

		lastErr = &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return nil, lastErr
		}

		delay := p.retryDelay(attempt, resp.Header.Get("Retry-After"), body)
		logger.WarnCF("provider", "Rate limited, retrying", map[string]interface{}{
			"delay":   delay.String(),
			"attempt": attempt + 1,
			"max":     maxRetries,
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("API error after %d retries: %w", maxRetries, lastErr)
}

func (p *HTTPProvider) newRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	return req, nil
}

func parseResponse(body []byte) (*LLMResponse, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
				ToolCalls        []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function *struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("malformed response: no choices")
	}

	choice := apiResponse.Choices[0]

	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function == nil || tc.Function.Name == "" {
			continue
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	content := stripThinkTags(choice.Message.Content)
	if content == "" && len(toolCalls) == 0 && choice.Message.ReasoningContent != "" {
		content = stripThinkTags(choice.Message.ReasoningContent)
	}

	return &LLMResponse{
		Content:          content,
		ReasoningContent: choice.Message.ReasoningContent,
		ToolCalls:        toolCalls,
		FinishReason:     choice.FinishReason,
		Usage:            apiResponse.Usage,
	}, nil
}

// stripThinkTags removes <think>...</think> blocks that some reasoning models
// emit inline in the content field.
func stripThinkTags(s string) string {
	const openTag = "<think>"
	const closeTag = "</think>"

	var result strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openTag)
		if start == -1 {
			result.WriteString(rest)
			break
		}
		result.WriteString(rest[:start])
		end := strings.Index(rest[start:], closeTag)
		if end == -1 {
			// Unclosed tag: drop the tail.
			break
		}
		rest = rest[start+end+len(closeTag):]
	}
	out := result.String()
	if idx := strings.Index(out, closeTag); idx != -1 {
		out = out[idx+len(closeTag):]
	}
	return strings.TrimSpace(out)
}

func (p *HTTPProvider) GetDefaultModel() string {
	return p.defaultModel
}

// matchProviderByModel finds the provider for a model name. Patterns ending
// in "/" are prefix matches and win over substring patterns. After that the
// fallback provider is used, then any provider with only an api_base.
// Providers are visited in name order so the result is stable.
func matchProviderByModel(model string, providers config.ProvidersConfig) (string, *config.ProviderConfig) {
	lowerModel := strings.ToLower(model)

	names := make([]string, 0, len(providers))
	for name, p := range providers {
		if p != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		p := providers[name]
		if p.APIKey == "" && p.APIBase == "" {
			continue
		}
		for _, pattern := range p.ModelPatterns {
			if strings.HasSuffix(pattern, "/") && strings.HasPrefix(model, pattern) {
				return name, p
			}
		}
	}

	for _, name := range names {
		p := providers[name]
		if p.APIKey == "" {
			continue
		}
		for _, pattern := range p.ModelPatterns {
			if !strings.HasSuffix(pattern, "/") && strings.Contains(lowerModel, strings.ToLower(pattern)) {
				return name, p
			}
		}
	}

	for _, name := range names {
		p := providers[name]
		if p.Fallback && p.APIKey != "" {
			return name, p
		}
	}

	for _, name := range names {
		p := providers[name]
		if p.APIBase != "" && len(p.ModelPatterns) == 0 {
			return name, p
		}
	}

	return "", nil
}

// stripProviderPrefix drops the routing prefix ("anthropic/") for providers
// that expect bare model ids. OpenRouter keeps the full id.
func stripProviderPrefix(providerName, model string) string {
	if providerName == "openrouter" {
		return model
	}
	if idx := strings.Index(model, "/"); idx > 0 && strings.EqualFold(model[:idx], providerName) {
		return model[idx+1:]
	}
	return model
}

// CreateProviderForModel resolves credentials for model. Missing credentials
// are configuration errors.
func CreateProviderForModel(model, providerName string, cfg *config.Config) (LLMProvider, error) {
	var (
		name string
		pcfg *config.ProviderConfig
	)

	if providerName != "" {
		name = strings.ToLower(providerName)
		pcfg = cfg.GetProviderConfig(name)
		if pcfg == nil {
			return nil, fmt.Errorf("%w: unknown provider: %s", config.ErrInvalidConfig, providerName)
		}
	} else {
		name, pcfg = matchProviderByModel(model, cfg.Providers)
		if pcfg == nil {
			return nil, fmt.Errorf("%w: no API key configured for model: %s", config.ErrInvalidConfig, model)
		}
	}

	isLocal := name == "ollama" || name == "vllm"
	if pcfg.APIKey == "" && !isLocal {
		return nil, fmt.Errorf("%w: no API key configured for provider %s (model: %s)", config.ErrInvalidConfig, name, model)
	}
	if pcfg.APIBase == "" {
		return nil, fmt.Errorf("%w: no API base configured for provider %s (model: %s)", config.ErrInvalidConfig, name, model)
	}

	p := NewHTTPProvider(pcfg.APIKey, pcfg.APIBase, pcfg.UserAgent, time.Duration(pcfg.TimeoutSeconds)*time.Second)
	p.defaultModel = stripProviderPrefix(name, model)
	return p, nil
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	return CreateProviderForModel(cfg.Agents.Defaults.Model, cfg.Agents.Defaults.Provider, cfg)
}

// parseRetryDelay reads Retry-After (seconds) or a Google-style retryDelay
// from the body, defaulting to 5 seconds.
func parseRetryDelay(retryAfter string, body []byte) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}

	var errResp struct {
		Error struct {
			Details []struct {
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		for _, d := range errResp.Error.Details {
			if d.RetryDelay != "" {
				if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
					return dur
				}
			}
		}
	}

	return 5 * time.Second
}
