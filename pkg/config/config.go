package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"

	"github.com/nanoclaw/nanoclaw/pkg/secrets"
)

// ErrInvalidConfig marks configuration problems that must stop startup.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Session   SessionConfig   `json:"session"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Cron      CronConfig      `json:"cron"`
	Log       LogConfig       `json:"log"`
	Cost      CostConfig      `json:"cost"`
	Security  SecurityConfig  `json:"security"`
	Secrets   SecretsConfig   `json:"secrets"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Defaults  AgentDefaults   `json:"defaults"`
	Subagents SubagentsConfig `json:"subagents"`
}

type AgentDefaults struct {
	Workspace         string  `json:"workspace" env:"NANOCLAW_AGENTS_DEFAULTS_WORKSPACE"`
	Model             string  `json:"model" env:"NANOCLAW_AGENTS_DEFAULTS_MODEL"`
	Provider          string  `json:"provider,omitempty" env:"NANOCLAW_AGENTS_DEFAULTS_PROVIDER"`
	MaxTokens         int     `json:"max_tokens" env:"NANOCLAW_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature       float64 `json:"temperature" env:"NANOCLAW_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxToolIterations int     `json:"max_tool_iterations" env:"NANOCLAW_AGENTS_DEFAULTS_MAX_TOOL_ITERATIONS"`
	SystemPrompt      string  `json:"system_prompt,omitempty" env:"NANOCLAW_AGENTS_DEFAULTS_SYSTEM_PROMPT"`
	MaxMessages       int     `json:"max_messages" env:"NANOCLAW_AGENTS_DEFAULTS_MAX_MESSAGES"`
	// MaxContextChars caps the prompt size in characters. Zero disables truncation.
	MaxContextChars int `json:"max_context_chars" env:"NANOCLAW_AGENTS_DEFAULTS_MAX_CONTEXT_CHARS"`
}

type SubagentsConfig struct {
	MaxConcurrent int `json:"max_concurrent" env:"NANOCLAW_AGENTS_SUBAGENTS_MAX_CONCURRENT"`
	MaxAgeMinutes int `json:"max_age_minutes" env:"NANOCLAW_AGENTS_SUBAGENTS_MAX_AGE_MINUTES"`
	MaxIterations int `json:"max_iterations" env:"NANOCLAW_AGENTS_SUBAGENTS_MAX_ITERATIONS"`
}

// ProvidersConfig maps a provider name ("openrouter", "anthropic", ...) to
// its credentials.
type ProvidersConfig map[string]*ProviderConfig

type ProviderConfig struct {
	APIKey         string   `json:"api_key"`
	APIBase        string   `json:"api_base"`
	UserAgent      string   `json:"user_agent,omitempty"`
	ModelPatterns  []string `json:"model_patterns,omitempty"`
	Fallback       bool     `json:"fallback,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// providerEnv lets a single provider be configured from the environment,
// since env tags cannot address map entries.
type providerEnv struct {
	Name    string `env:"NANOCLAW_PROVIDER"`
	APIKey  string `env:"NANOCLAW_PROVIDER_API_KEY"`
	APIBase string `env:"NANOCLAW_PROVIDER_API_BASE"`
}

type ToolsConfig struct {
	RestrictToWorkspace *bool    `json:"restrict_to_workspace" env:"NANOCLAW_TOOLS_RESTRICT_TO_WORKSPACE"`
	AllowedCommands     []string `json:"allowed_commands" env:"NANOCLAW_TOOLS_ALLOWED_COMMANDS"`
	DeniedCommands      []string `json:"denied_commands" env:"NANOCLAW_TOOLS_DENIED_COMMANDS"`
	// MaxConcurrentShell bounds concurrently running shell commands across
	// all sessions. Zero means unbounded.
	MaxConcurrentShell int `json:"max_concurrent_shell" env:"NANOCLAW_TOOLS_MAX_CONCURRENT_SHELL"`
}

type SessionConfig struct {
	Backend    string `json:"backend" env:"NANOCLAW_SESSION_BACKEND"`
	Dir        string `json:"dir" env:"NANOCLAW_SESSION_DIR"`
	SQLitePath string `json:"sqlite_path" env:"NANOCLAW_SESSION_SQLITE_PATH"`
	CacheSize  int    `json:"cache_size" env:"NANOCLAW_SESSION_CACHE_SIZE"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Feishu   FeishuConfig   `json:"feishu"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	QQ       QQConfig       `json:"qq"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"NANOCLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token     string   `json:"token" env:"NANOCLAW_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"NANOCLAW_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled" env:"NANOCLAW_CHANNELS_DISCORD_ENABLED"`
	Token     string   `json:"token" env:"NANOCLAW_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"NANOCLAW_CHANNELS_DISCORD_ALLOW_FROM"`
}

// FeishuConfig also covers Lark; set BaseDomain to https://open.larksuite.com.
type FeishuConfig struct {
	Enabled    bool     `json:"enabled" env:"NANOCLAW_CHANNELS_FEISHU_ENABLED"`
	AppID      string   `json:"app_id" env:"NANOCLAW_CHANNELS_FEISHU_APP_ID"`
	AppSecret  string   `json:"app_secret" env:"NANOCLAW_CHANNELS_FEISHU_APP_SECRET"`
	BaseDomain string   `json:"base_domain,omitempty" env:"NANOCLAW_CHANNELS_FEISHU_BASE_DOMAIN"`
	AllowFrom  []string `json:"allow_from" env:"NANOCLAW_CHANNELS_FEISHU_ALLOW_FROM"`
}

type DingTalkConfig struct {
	Enabled      bool     `json:"enabled" env:"NANOCLAW_CHANNELS_DINGTALK_ENABLED"`
	ClientID     string   `json:"client_id" env:"NANOCLAW_CHANNELS_DINGTALK_CLIENT_ID"`
	ClientSecret string   `json:"client_secret" env:"NANOCLAW_CHANNELS_DINGTALK_CLIENT_SECRET"`
	AllowFrom    []string `json:"allow_from" env:"NANOCLAW_CHANNELS_DINGTALK_ALLOW_FROM"`
}

type QQConfig struct {
	Enabled   bool     `json:"enabled" env:"NANOCLAW_CHANNELS_QQ_ENABLED"`
	AppID     string   `json:"app_id" env:"NANOCLAW_CHANNELS_QQ_APP_ID"`
	AppSecret string   `json:"app_secret" env:"NANOCLAW_CHANNELS_QQ_APP_SECRET"`
	AllowFrom []string `json:"allow_from" env:"NANOCLAW_CHANNELS_QQ_ALLOW_FROM"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"NANOCLAW_GATEWAY_HOST"`
	Port int    `json:"port" env:"NANOCLAW_GATEWAY_PORT"`
}

type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled" env:"NANOCLAW_HEARTBEAT_ENABLED"`
	IntervalSeconds int    `json:"interval_seconds" env:"NANOCLAW_HEARTBEAT_INTERVAL_SECONDS"`
	Channel         string `json:"channel" env:"NANOCLAW_HEARTBEAT_CHANNEL"`
	ChatID          string `json:"chat_id" env:"NANOCLAW_HEARTBEAT_CHAT_ID"`
}

type CronConfig struct {
	Enabled     bool   `json:"enabled" env:"NANOCLAW_CRON_ENABLED"`
	JobsPath    string `json:"jobs_path" env:"NANOCLAW_CRON_JOBS_PATH"`
	TickSeconds int    `json:"tick_seconds" env:"NANOCLAW_CRON_TICK_SECONDS"`
}

type LogConfig struct {
	Level  string `json:"level" env:"NANOCLAW_LOG_LEVEL"`
	Format string `json:"format" env:"NANOCLAW_LOG_FORMAT"`
}

// CostConfig controls token usage accounting. Limits of zero are unlimited.
type CostConfig struct {
	Enabled         bool                  `json:"enabled" env:"NANOCLAW_COST_ENABLED"`
	DailyLimitUSD   float64               `json:"daily_limit_usd" env:"NANOCLAW_COST_DAILY_LIMIT_USD"`
	MonthlyLimitUSD float64               `json:"monthly_limit_usd" env:"NANOCLAW_COST_MONTHLY_LIMIT_USD"`
	WarnAtPercent   float64               `json:"warn_at_percent" env:"NANOCLAW_COST_WARN_AT_PERCENT"`
	Prices          map[string]PriceEntry `json:"prices,omitempty"`
}

// PriceEntry is USD per million tokens.
type PriceEntry struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

type SecurityConfig struct {
	LeakDetector LeakDetectorConfig `json:"leak_detector"`
}

// LeakDetectorConfig controls redaction of credentials in outbound channel
// messages.
type LeakDetectorConfig struct {
	Enabled     bool   `json:"enabled" env:"NANOCLAW_SECURITY_LEAK_DETECTOR_ENABLED"`
	Sensitivity string `json:"sensitivity" env:"NANOCLAW_SECURITY_LEAK_DETECTOR_SENSITIVITY"`
}

// SecretsConfig turns on at-rest encryption of API keys and channel tokens.
type SecretsConfig struct {
	Encrypt bool `json:"encrypt" env:"NANOCLAW_SECRETS_ENCRYPT"`
}

type providerDefault struct {
	apiBase  string
	patterns []string
	fallback bool
}

var defaultProviders = map[string]providerDefault{
	"openrouter": {apiBase: "https://openrouter.ai/api/v1", patterns: []string{"openrouter/"}, fallback: true},
	"anthropic":  {apiBase: "https://api.anthropic.com/v1", patterns: []string{"anthropic/", "claude"}},
	"openai":     {apiBase: "https://api.openai.com/v1", patterns: []string{"openai/", "gpt", "o1", "o3"}},
	"deepseek":   {apiBase: "https://api.deepseek.com/v1", patterns: []string{"deepseek/", "deepseek"}},
	"groq":       {apiBase: "https://api.groq.com/openai/v1", patterns: []string{"groq/"}},
	"gemini":     {apiBase: "https://generativelanguage.googleapis.com/v1beta/openai", patterns: []string{"gemini/", "gemini"}},
	"ollama":     {apiBase: "http://localhost:11434/v1", patterns: []string{"ollama/"}},
	"vllm":       {},
}

// mergeProviderDefaults fills api_base and model_patterns of well-known
// providers when the user left them empty.
func mergeProviderDefaults(providers ProvidersConfig) {
	for name, p := range providers {
		if p == nil {
			continue
		}
		def, ok := defaultProviders[name]
		if !ok {
			continue
		}
		if p.APIBase == "" {
			p.APIBase = def.apiBase
		}
		if len(p.ModelPatterns) == 0 && len(def.patterns) > 0 {
			p.ModelPatterns = append([]string(nil), def.patterns...)
		}
		if def.fallback {
			p.Fallback = true
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.nanoclaw/workspace",
				Model:             "anthropic/claude-opus-4-5",
				MaxTokens:         4096,
				Temperature:       0.7,
				MaxToolIterations: 10,
				MaxMessages:       100,
			},
			Subagents: SubagentsConfig{
				MaxConcurrent: 3,
				MaxAgeMinutes: 60,
				MaxIterations: 10,
			},
		},
		Providers: ProvidersConfig{},
		Tools: ToolsConfig{
			RestrictToWorkspace: boolPtr(false),
			AllowedCommands:     []string{},
			DeniedCommands:      []string{},
			MaxConcurrentShell:  4,
		},
		Session: SessionConfig{
			Backend:    "json",
			Dir:        "~/.nanoclaw/memory",
			SQLitePath: "~/.nanoclaw/sessions.db",
			CacheSize:  128,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{AllowFrom: []string{}},
			Discord:  DiscordConfig{AllowFrom: []string{}},
			Feishu:   FeishuConfig{AllowFrom: []string{}},
			DingTalk: DingTalkConfig{AllowFrom: []string{}},
			QQ:       QQConfig{AllowFrom: []string{}},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         false,
			IntervalSeconds: 1800,
		},
		Cron: CronConfig{
			Enabled:     true,
			JobsPath:    "~/.nanoclaw/cron.json",
			TickSeconds: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Cost: CostConfig{
			WarnAtPercent: 80,
		},
		Security: SecurityConfig{
			LeakDetector: LeakDetectorConfig{
				Enabled:     true,
				Sensitivity: "medium",
			},
		},
	}
}

// DefaultPath is ~/.nanoclaw/config.json.
func DefaultPath() string {
	return ExpandHome("~/.nanoclaw/config.json")
}

// LoadConfig reads path over the defaults and then applies NANOCLAW_*
// environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
		if err := openSecrets(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrInvalidConfig, err)
	}

	var pe providerEnv
	if err := env.Parse(&pe); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrInvalidConfig, err)
	}
	if pe.Name != "" && (pe.APIKey != "" || pe.APIBase != "") {
		if cfg.Providers == nil {
			cfg.Providers = ProvidersConfig{}
		}
		p := cfg.Providers[pe.Name]
		if p == nil {
			p = &ProviderConfig{}
			cfg.Providers[pe.Name] = p
		}
		if pe.APIKey != "" {
			p.APIKey = pe.APIKey
		}
		if pe.APIBase != "" {
			p.APIBase = pe.APIBase
		}
	}

	mergeProviderDefaults(cfg.Providers)
	return cfg, nil
}

// sensitiveFields lists the credential strings that secrets.encrypt seals.
func sensitiveFields(cfg *Config) []*string {
	ch := &cfg.Channels
	fields := []*string{
		&ch.Telegram.Token,
		&ch.Discord.Token,
		&ch.Feishu.AppSecret,
		&ch.DingTalk.ClientSecret,
		&ch.QQ.AppSecret,
	}
	for _, p := range cfg.Providers {
		if p != nil {
			fields = append(fields, &p.APIKey)
		}
	}
	return fields
}

// openSecrets unseals "enc:" values in place. With secrets.encrypt on, a file
// that still holds plaintext credentials is rewritten sealed.
func openSecrets(path string, cfg *Config) error {
	sealed, plain := 0, 0
	for _, fp := range sensitiveFields(cfg) {
		switch {
		case *fp == "":
		case secrets.IsSealed(*fp):
			sealed++
		default:
			plain++
		}
	}

	if sealed > 0 {
		keys, err := secrets.LoadOrCreate(secrets.KeyPath(path))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fp := range sensitiveFields(cfg) {
			v, err := keys.Open(*fp)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			*fp = v
		}
	}

	if cfg.Secrets.Encrypt && plain > 0 {
		if err := SaveConfig(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to encrypt config secrets: %v\n", err)
		}
	}
	return nil
}

// SaveConfig writes cfg as indented JSON with mode 0600. Credentials are
// sealed on disk when secrets.encrypt is set; cfg itself is not modified.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	toSave := cfg
	if cfg.Secrets.Encrypt {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		clone := &Config{}
		if err := json.Unmarshal(raw, clone); err != nil {
			return err
		}
		keys, err := secrets.LoadOrCreate(secrets.KeyPath(path))
		if err != nil {
			return err
		}
		for _, fp := range sensitiveFields(clone) {
			if *fp, err = keys.Seal(*fp); err != nil {
				return err
			}
		}
		toSave = clone
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports the first configuration problem, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	var problems []string
	if strings.TrimSpace(d.Model) == "" {
		problems = append(problems, "agents.defaults.model is empty")
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		problems = append(problems, fmt.Sprintf("agents.defaults.temperature %.2f out of range [0,2]", d.Temperature))
	}
	if d.MaxTokens <= 0 {
		problems = append(problems, "agents.defaults.max_tokens must be positive")
	}
	if d.MaxToolIterations <= 0 {
		problems = append(problems, "agents.defaults.max_tool_iterations must be positive")
	}
	if d.MaxMessages <= 0 {
		problems = append(problems, "agents.defaults.max_messages must be positive")
	}
	if d.MaxContextChars < 0 {
		problems = append(problems, "agents.defaults.max_context_chars must not be negative")
	}
	if c.Tools.MaxConcurrentShell < 0 {
		problems = append(problems, "tools.max_concurrent_shell must not be negative")
	}
	switch c.Session.Backend {
	case "json", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("session.backend %q must be json or sqlite", c.Session.Backend))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not recognised", c.Log.Level))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Cron.TickSeconds <= 0 {
		problems = append(problems, "cron.tick_seconds must be positive")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		problems = append(problems, "channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		problems = append(problems, "channels.discord.token is required when discord is enabled")
	}
	if f := c.Channels.Feishu; f.Enabled && (f.AppID == "" || f.AppSecret == "") {
		problems = append(problems, "channels.feishu.app_id and app_secret are required when feishu is enabled")
	}
	if d := c.Channels.DingTalk; d.Enabled && (d.ClientID == "" || d.ClientSecret == "") {
		problems = append(problems, "channels.dingtalk.client_id and client_secret are required when dingtalk is enabled")
	}
	if q := c.Channels.QQ; q.Enabled && (q.AppID == "" || q.AppSecret == "") {
		problems = append(problems, "channels.qq.app_id and app_secret are required when qq is enabled")
	}
	if c.Cost.DailyLimitUSD < 0 || c.Cost.MonthlyLimitUSD < 0 {
		problems = append(problems, "cost limits must not be negative")
	}
	if c.Cost.WarnAtPercent < 0 || c.Cost.WarnAtPercent > 100 {
		problems = append(problems, fmt.Sprintf("cost.warn_at_percent %.0f out of range [0,100]", c.Cost.WarnAtPercent))
	}
	switch c.Security.LeakDetector.Sensitivity {
	case "", "low", "medium", "high":
	default:
		problems = append(problems, fmt.Sprintf("security.leak_detector.sensitivity %q must be low, medium or high", c.Security.LeakDetector.Sensitivity))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

func (c *Config) SessionDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Session.Dir)
}

func (c *Config) CronJobsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Cron.JobsPath)
}

// GetProviderConfig returns the named provider or nil.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers[name]
}

// ProviderNames returns the configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) IsRestrictToWorkspace() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Tools.RestrictToWorkspace == nil {
		return false
	}
	return *c.Tools.RestrictToWorkspace
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, path[2:])
	}
	return home
}
