package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nanoclaw/nanoclaw/pkg/cost"
)

// UsageReporter supplies the token usage summary shown by the usage tool.
type UsageReporter interface {
	Summary() cost.Summary
}

type UsageTool struct {
	usage UsageReporter
}

func NewUsageTool(usage UsageReporter) *UsageTool {
	return &UsageTool{usage: usage}
}

func (t *UsageTool) Name() string {
	return "usage_summary"
}

func (t *UsageTool) Description() string {
	return "Get API token usage and cost: today's and this month's spend against any budget limits, plus a per-model breakdown. Use this when the user asks about spending, costs, or budget."
}

func (t *UsageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
		"required":   []string{},
	}
}

func (t *UsageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.usage == nil {
		return Success("Usage tracking is not enabled.")
	}
	s := t.usage.Summary()

	var b strings.Builder
	fmt.Fprintf(&b, "Today: $%.4f", s.DailyCostUSD)
	if s.DailyLimitUSD > 0 {
		fmt.Fprintf(&b, " of $%.2f", s.DailyLimitUSD)
	}
	fmt.Fprintf(&b, "\nMonth: $%.4f", s.MonthlyCostUSD)
	if s.MonthlyLimitUSD > 0 {
		fmt.Fprintf(&b, " of $%.2f", s.MonthlyLimitUSD)
	}
	fmt.Fprintf(&b, "\nSince start: $%.4f (%d requests, %d tokens)\n", s.ProcessCostUSD, s.RequestCount, s.TotalTokens)

	models := make([]string, 0, len(s.ByModel))
	for m := range s.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	if len(models) > 0 {
		b.WriteString("\nBy model:\n")
		for _, m := range models {
			ms := s.ByModel[m]
			fmt.Fprintf(&b, "  %s: $%.4f (%d requests, %d tokens)\n", m, ms.CostUSD, ms.RequestCount, ms.TotalTokens)
		}
	}
	return Success(b.String())
}
