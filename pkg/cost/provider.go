package cost

import (
	"context"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

// Provider wraps an LLMProvider with budget checks before each call and
// usage recording after it.
type Provider struct {
	next    providers.LLMProvider
	tracker *Tracker
}

// WrapProvider returns next unchanged when tracker is nil.
func WrapProvider(next providers.LLMProvider, tracker *Tracker) providers.LLMProvider {
	if tracker == nil {
		return next
	}
	return &Provider{next: next, tracker: tracker}
}

func (p *Provider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	warn, err := p.tracker.Check()
	if err != nil {
		logger.WarnCF("cost", "Refusing provider call", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return nil, err
	}
	if warn {
		s := p.tracker.Summary()
		logger.WarnCF("cost", "Approaching budget limit", map[string]interface{}{
			"daily_cost_usd":   s.DailyCostUSD,
			"monthly_cost_usd": s.MonthlyCostUSD,
		})
	}

	resp, err := p.next.Chat(ctx, messages, tools, model, options)
	if err != nil {
		return nil, err
	}
	if resp.Usage != nil {
		p.tracker.Record(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp, nil
}

func (p *Provider) GetDefaultModel() string {
	return p.next.GetDefaultModel()
}
