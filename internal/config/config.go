package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CapabilityConfig describes one entry in the capability catalog. Tags form a
// forest: a tag with a Parent is a specialization of it, and routing walks
// from the most specific tag toward the root until workers match.
type CapabilityConfig struct {
	Tag            string `yaml:"tag"`
	Parent         string `yaml:"parent"`
	Phase          string `yaml:"phase"`
	RetryBudget    int    `yaml:"retry_budget"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// BackendRouteConfig maps a generation category to an ordered backend
// fallback chain.
type BackendRouteConfig struct {
	Category string   `yaml:"category"`
	Backends []string `yaml:"backends"`
}

// RouterConfig holds backend routing and circuit breaker settings.
type RouterConfig struct {
	Routes []BackendRouteConfig `yaml:"routes"`

	// BreakerThreshold is the number of consecutive failures before a
	// backend's circuit breaker trips. Default 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldownSeconds is the duration before a tripped breaker resets
	// and the backend is retried. Default 300 (5 minutes).
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// KnowledgeConfig drives the refresh rotation lane.
type KnowledgeConfig struct {
	Domains      []string `yaml:"domains"`
	CadenceHours int      `yaml:"cadence_hours"`
	// Cron optionally overrides the fixed cadence with a cron expression.
	Cron string `yaml:"cron"`
}

// TriggerRuleConfig describes one escalation rule evaluated over a sliding
// per-project event window.
type TriggerRuleConfig struct {
	ID               string `yaml:"id"`
	Category         string `yaml:"category"`
	WindowHours      int    `yaml:"window_hours"`
	Threshold        int    `yaml:"threshold"`
	DedupWindowHours int    `yaml:"dedup_window_hours"`
	Severity         string `yaml:"severity"`
	EscalateAt       int    `yaml:"escalate_at"`
	EscalateSeverity string `yaml:"escalate_severity"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SchedulerConfig holds execution scheduler tunables.
type SchedulerConfig struct {
	// DefaultRetryBudget applies to capability tags without an explicit one.
	DefaultRetryBudget int `yaml:"default_retry_budget"`
	// DefaultTimeoutSeconds applies to capability tags without an explicit one.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	// StaleThresholdMinutes raises a trigger for tasks with no state change.
	StaleThresholdMinutes int `yaml:"stale_threshold_minutes"`
	// DrainTimeoutSeconds bounds in_progress drain on project pause.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	Capabilities []CapabilityConfig  `yaml:"capabilities"`
	Router       RouterConfig        `yaml:"router"`
	Knowledge    KnowledgeConfig     `yaml:"knowledge"`
	Triggers     []TriggerRuleConfig `yaml:"triggers"`
	Scheduler    SchedulerConfig     `yaml:"scheduler"`
	Channels     ChannelsConfig      `yaml:"channels"`
	Otel         OtelConfig          `yaml:"otel"`

	// RetentionActivityDays prunes activity_log rows. 0 = keep forever.
	// Trigger events are never pruned.
	RetentionActivityDays int `yaml:"retention_activity_days"`
	// RetentionProjectDays archives deployed projects after this window.
	RetentionProjectDays int `yaml:"retention_project_days"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Capability returns the catalog entry for tag, or false if absent.
func (c Config) Capability(tag string) (CapabilityConfig, bool) {
	for _, cap := range c.Capabilities {
		if cap.Tag == tag {
			return cap, true
		}
	}
	return CapabilityConfig{}, false
}

// RetryBudget resolves the retry budget for a capability tag.
func (c Config) RetryBudget(tag string) int {
	if cap, ok := c.Capability(tag); ok && cap.RetryBudget > 0 {
		return cap.RetryBudget
	}
	return c.Scheduler.DefaultRetryBudget
}

// TaskTimeout resolves the execution timeout for a capability tag.
func (c Config) TaskTimeout(tag string) time.Duration {
	if cap, ok := c.Capability(tag); ok && cap.TimeoutSeconds > 0 {
		return time.Duration(cap.TimeoutSeconds) * time.Second
	}
	return time.Duration(c.Scheduler.DefaultTimeoutSeconds) * time.Second
}

// Cadence returns the knowledge rotation interval.
func (c Config) Cadence() time.Duration {
	return time.Duration(c.Knowledge.CadenceHours) * time.Hour
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|caps=%d|routes=%d|domains=%v|cadence=%d|rules=%d",
		c.BindAddr, c.LogLevel, len(c.Capabilities), len(c.Router.Routes),
		c.Knowledge.Domains, c.Knowledge.CadenceHours, len(c.Triggers))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18890",
		LogLevel: "info",
		Capabilities: []CapabilityConfig{
			{Tag: "coordination", Phase: "planning"},
			{Tag: "engineering", Phase: "execution"},
			{Tag: "frontend", Parent: "engineering", Phase: "execution"},
			{Tag: "backend", Parent: "engineering", Phase: "execution"},
			{Tag: "quality", Phase: "validation"},
			{Tag: "testing", Parent: "quality", Phase: "validation"},
			{Tag: "security", Parent: "quality", Phase: "validation"},
			{Tag: "documentation", Phase: "documentation"},
			{Tag: "devops", Phase: "deployment"},
		},
		Router: RouterConfig{
			Routes: []BackendRouteConfig{
				{Category: "code_generation", Backends: []string{"primary", "standby"}},
				{Category: "planning", Backends: []string{"primary"}},
				{Category: "copywriting", Backends: []string{"standby", "primary"}},
			},
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 300,
		},
		Knowledge: KnowledgeConfig{
			Domains:      []string{"frontend", "backend", "security", "devops"},
			CadenceHours: 360,
		},
		Triggers: []TriggerRuleConfig{
			{
				ID:               "repeated_failure",
				Category:         "task_failed",
				WindowHours:      24,
				Threshold:        1,
				DedupWindowHours: 24,
				Severity:         "medium",
				EscalateAt:       3,
				EscalateSeverity: "high",
			},
			{
				ID:               "stale_progress",
				Category:         "task_stale",
				WindowHours:      24,
				Threshold:        1,
				DedupWindowHours: 24,
				Severity:         "low",
				EscalateAt:       0,
			},
		},
		Scheduler: SchedulerConfig{
			DefaultRetryBudget:    3,
			DefaultTimeoutSeconds: int((30 * time.Minute).Seconds()),
			StaleThresholdMinutes: 120,
			DrainTimeoutSeconds:   30,
		},
		RetentionActivityDays: 90,
		RetentionProjectDays:  30,
	}
}

func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults, environment
// overrides and normalization.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = defaultConfig().Capabilities
	}
	if cfg.Router.BreakerThreshold <= 0 {
		cfg.Router.BreakerThreshold = 5
	}
	if cfg.Router.BreakerCooldownSeconds <= 0 {
		cfg.Router.BreakerCooldownSeconds = 300
	}
	if len(cfg.Knowledge.Domains) == 0 {
		cfg.Knowledge.Domains = defaultConfig().Knowledge.Domains
	}
	if cfg.Knowledge.CadenceHours <= 0 {
		cfg.Knowledge.CadenceHours = 360
	}
	if cfg.Scheduler.DefaultRetryBudget <= 0 {
		cfg.Scheduler.DefaultRetryBudget = 3
	}
	if cfg.Scheduler.DefaultTimeoutSeconds <= 0 {
		cfg.Scheduler.DefaultTimeoutSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.Scheduler.StaleThresholdMinutes <= 0 {
		cfg.Scheduler.StaleThresholdMinutes = 120
	}
	if cfg.Scheduler.DrainTimeoutSeconds <= 0 {
		cfg.Scheduler.DrainTimeoutSeconds = 30
	}
	for i := range cfg.Triggers {
		rule := &cfg.Triggers[i]
		if rule.WindowHours <= 0 {
			rule.WindowHours = 24
		}
		if rule.Threshold <= 0 {
			rule.Threshold = 1
		}
		if rule.DedupWindowHours <= 0 {
			rule.DedupWindowHours = rule.WindowHours
		}
		if rule.Severity == "" {
			rule.Severity = "medium"
		}
	}
}

// validate rejects catalogs that would break routing: duplicate tags and
// parents missing from the catalog.
func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Capabilities))
	for _, cap := range cfg.Capabilities {
		tag := strings.TrimSpace(cap.Tag)
		if tag == "" {
			return fmt.Errorf("capability with empty tag")
		}
		if _, dup := seen[tag]; dup {
			return fmt.Errorf("duplicate capability tag %q", tag)
		}
		seen[tag] = struct{}{}
	}
	for _, cap := range cfg.Capabilities {
		if cap.Parent == "" {
			continue
		}
		if _, ok := seen[cap.Parent]; !ok {
			return fmt.Errorf("capability %q references unknown parent %q", cap.Tag, cap.Parent)
		}
	}
	dupRules := make(map[string]struct{}, len(cfg.Triggers))
	for _, rule := range cfg.Triggers {
		if rule.ID == "" {
			return fmt.Errorf("trigger rule with empty id")
		}
		if _, dup := dupRules[rule.ID]; dup {
			return fmt.Errorf("duplicate trigger rule id %q", rule.ID)
		}
		dupRules[rule.ID] = struct{}{}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_KNOWLEDGE_CADENCE_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Knowledge.CadenceHours = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
}
