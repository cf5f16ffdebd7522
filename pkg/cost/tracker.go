// Package cost accounts token usage per provider call and enforces daily and
// monthly spending limits.
package cost

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

// ErrBudgetExceeded is returned by Check once a configured limit is reached.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Record is one line of usage.jsonl.
type Record struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

type ModelStats struct {
	CostUSD      float64 `json:"cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
	RequestCount int     `json:"request_count"`
}

// Summary aggregates usage. Process totals cover calls made since the
// tracker was created.
type Summary struct {
	ProcessCostUSD  float64               `json:"process_cost_usd"`
	DailyCostUSD    float64               `json:"daily_cost_usd"`
	MonthlyCostUSD  float64               `json:"monthly_cost_usd"`
	DailyLimitUSD   float64               `json:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD float64               `json:"monthly_limit_usd,omitempty"`
	RequestCount    int                   `json:"request_count"`
	TotalTokens     int                   `json:"total_tokens"`
	ByModel         map[string]ModelStats `json:"by_model"`
}

// Tracker persists usage records to a JSONL file and keeps running totals for
// the current UTC day and month.
type Tracker struct {
	cfg       config.CostConfig
	path      string
	overrides map[string]ModelPrice

	mu      sync.Mutex
	now     func() time.Time
	period  time.Time // start of the cached UTC day
	daily   float64
	monthly float64
	process Summary
}

// UsagePath is <workspace>/state/usage.jsonl.
func UsagePath(workspace string) string {
	return filepath.Join(workspace, "state", "usage.jsonl")
}

// NewTracker opens the usage log at path. It returns (nil, nil) when cost
// tracking is disabled; a nil *Tracker records nothing and allows everything.
func NewTracker(cfg config.CostConfig, path string) (*Tracker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return newTracker(cfg, path, time.Now)
}

func newTracker(cfg config.CostConfig, path string, now func() time.Time) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cost: create state dir: %w", err)
	}
	overrides := make(map[string]ModelPrice, len(cfg.Prices))
	for model, p := range cfg.Prices {
		overrides[model] = ModelPrice{Input: p.Input, Output: p.Output}
	}
	t := &Tracker{
		cfg:       cfg,
		path:      path,
		overrides: overrides,
		now:       now,
		process:   Summary{ByModel: map[string]ModelStats{}},
	}
	t.rollover()
	return t, nil
}

// Record prices one completion and appends it to the log. Write failures are
// logged; the in-memory totals are still updated.
func (t *Tracker) Record(model string, promptTokens, completionTokens int) Record {
	if t == nil {
		return Record{}
	}
	price := PriceForModel(model, t.overrides)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	rec := Record{
		ID:               uuid.NewString(),
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          price.Cost(promptTokens, completionTokens),
		Timestamp:        t.now().UTC(),
	}
	if err := t.append(rec); err != nil {
		logger.ErrorCF("cost", "Failed to write usage record", map[string]interface{}{
			"path":  t.path,
			"error": err.Error(),
		})
	}

	t.daily += rec.CostUSD
	t.monthly += rec.CostUSD

	t.process.ProcessCostUSD += rec.CostUSD
	t.process.RequestCount++
	t.process.TotalTokens += rec.TotalTokens
	ms := t.process.ByModel[model]
	ms.CostUSD += rec.CostUSD
	ms.TotalTokens += rec.TotalTokens
	ms.RequestCount++
	t.process.ByModel[model] = ms

	logger.DebugCF("cost", "Recorded usage", map[string]interface{}{
		"model":             model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"cost_usd":          rec.CostUSD,
	})
	return rec
}

// Check returns an error wrapping ErrBudgetExceeded when the day's or the
// month's spend has reached its limit. warn is true once spend passes
// warn_at_percent of a limit.
func (t *Tracker) Check() (warn bool, err error) {
	if t == nil {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	limits := []struct {
		name         string
		spent, limit float64
	}{
		{"daily", t.daily, t.cfg.DailyLimitUSD},
		{"monthly", t.monthly, t.cfg.MonthlyLimitUSD},
	}
	for _, l := range limits {
		if l.limit <= 0 {
			continue
		}
		if l.spent >= l.limit {
			return true, fmt.Errorf("%w: %s spend $%.4f of $%.2f", ErrBudgetExceeded, l.name, l.spent, l.limit)
		}
		if t.cfg.WarnAtPercent > 0 && l.spent >= l.limit*t.cfg.WarnAtPercent/100 {
			warn = true
		}
	}
	return warn, nil
}

func (t *Tracker) Summary() Summary {
	if t == nil {
		return Summary{ByModel: map[string]ModelStats{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	s := t.process
	s.ByModel = make(map[string]ModelStats, len(t.process.ByModel))
	for k, v := range t.process.ByModel {
		s.ByModel[k] = v
	}
	s.DailyCostUSD = t.daily
	s.MonthlyCostUSD = t.monthly
	s.DailyLimitUSD = t.cfg.DailyLimitUSD
	s.MonthlyLimitUSD = t.cfg.MonthlyLimitUSD
	return s
}

func (t *Tracker) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// rollover recomputes the day and month totals from the log when the UTC
// date has changed since the last call.
func (t *Tracker) rollover() {
	now := t.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if day.Equal(t.period) {
		return
	}
	t.period = day
	t.daily, t.monthly = 0, 0

	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if json.Unmarshal(scanner.Bytes(), &rec) != nil {
			continue
		}
		ts := rec.Timestamp.UTC()
		if ts.Year() != day.Year() || ts.Month() != day.Month() {
			continue
		}
		t.monthly += rec.CostUSD
		if ts.Day() == day.Day() {
			t.daily += rec.CostUSD
		}
	}
}
