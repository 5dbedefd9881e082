// Package config loads the orchestration core's configuration from
// defaults, an optional YAML file, environment variables, and functional
// options, in that order of increasing priority.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every component's tunable settings. Components read the
// nested struct they own; nothing here is shared mutable state.
type Config struct {
	Budget   BudgetConfig   `yaml:"budget"`
	Memory   MemoryConfig   `yaml:"memory"`
	Handoff  HandoffConfig  `yaml:"handoff"`
	Ticket   TicketConfig   `yaml:"ticket"`
	Tool     ToolConfig     `yaml:"tool"`
	Hub      HubConfig      `yaml:"hub"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Codebase CodebaseConfig `yaml:"codebase"`

	// ProjectDir is the root the filesystem layout in spec §6 is rooted at.
	// Defaults to ".fastband" under the working directory.
	ProjectDir string `yaml:"project_dir" env:"FASTBAND_PROJECT_DIR" default:".fastband"`
}

// BudgetConfig configures the Token Budget Manager (§4.1).
type BudgetConfig struct {
	BaseAllocation   int     `yaml:"base_allocation" env:"FASTBAND_BUDGET_BASE" default:"20000"`
	ShouldHandoffPct float64 `yaml:"should_handoff_pct" env:"FASTBAND_BUDGET_SHOULD_PCT" default:"0.60"`
	MustHandoffPct   float64 `yaml:"must_handoff_pct" env:"FASTBAND_BUDGET_MUST_PCT" default:"0.80"`
	MaxExpansions    int     `yaml:"max_expansions" env:"FASTBAND_BUDGET_MAX_EXPANSIONS" default:"3"`
}

// MemoryConfig configures the Tiered Memory Store and shared tiers (§4.2).
type MemoryConfig struct {
	SharedCoolMaxItems  int           `yaml:"shared_cool_max_items" env:"FASTBAND_MEM_COOL_MAX_ITEMS" default:"100"`
	SharedCoolMaxTokens int           `yaml:"shared_cool_max_tokens" env:"FASTBAND_MEM_COOL_MAX_TOKENS" default:"50000"`
	SharedColdMaxItems  int           `yaml:"shared_cold_max_items" env:"FASTBAND_MEM_COLD_MAX_ITEMS" default:"500"`
	SharedColdMaxTokens int           `yaml:"shared_cold_max_tokens" env:"FASTBAND_MEM_COLD_MAX_TOKENS" default:"200000"`
	PromotionThreshold  int           `yaml:"promotion_threshold" env:"FASTBAND_MEM_PROMOTION_THRESHOLD" default:"3"`
	MaxPromotedPerClose int           `yaml:"max_promoted_per_close" env:"FASTBAND_MEM_MAX_PROMOTED" default:"10"`
	RedisURL            string        `yaml:"redis_url" env:"FASTBAND_MEM_REDIS_URL,REDIS_URL"`
	RedisTTL            time.Duration `yaml:"redis_ttl" env:"FASTBAND_MEM_REDIS_TTL" default:"24h"`
}

// HandoffConfig configures the Handoff Manager (§4.3).
type HandoffConfig struct {
	ArchiveRetentionHours int `yaml:"archive_retention_hours" env:"FASTBAND_HANDOFF_RETENTION_HOURS" default:"48"`

	MaxIDLength         int `yaml:"max_id_length" default:"64"`
	MaxNameLength       int `yaml:"max_name_length" default:"128"`
	MaxSummaryLength    int `yaml:"max_summary_length" default:"2000"`
	MaxTaskLength       int `yaml:"max_task_length" default:"500"`
	MaxPathLength       int `yaml:"max_path_length" default:"512"`
	MaxNotesLength      int `yaml:"max_notes_length" default:"5000"`
	MaxContextLength    int `yaml:"max_context_length" default:"50000"`
	MaxListItems        int `yaml:"max_list_items" default:"100"`
	MaxBlockersWarnings int `yaml:"max_blockers_warnings" default:"20"`
	MaxHotTokens        int `yaml:"max_hot_tokens" default:"200000"`
	MaxBudgetValue      int `yaml:"max_budget_value" default:"1000000"`
	MaxExpansionCount   int `yaml:"max_expansion_count" default:"100"`
}

// TicketConfig configures the Ticket Store (§4.4).
type TicketConfig struct {
	Backend  string `yaml:"backend" env:"FASTBAND_TICKET_BACKEND" default:"document"` // "document" | "indexed"
	DataFile string `yaml:"data_file" env:"FASTBAND_TICKET_FILE" default:"tickets.json"`
	DBFile   string `yaml:"db_file" env:"FASTBAND_TICKET_DB" default:"tickets.db"`
}

// ToolConfig configures the Tool Registry (§4.5).
type ToolConfig struct {
	MaxActiveTools int `yaml:"max_active_tools" env:"FASTBAND_TOOL_MAX_ACTIVE" default:"60"`
	LoadHistorySize int `yaml:"load_history_size" env:"FASTBAND_TOOL_LOAD_HISTORY" default:"200"`
}

// HubConfig configures the WebSocket Hub (§4.6.b).
type HubConfig struct {
	MaxConnections    int           `yaml:"max_connections" env:"FASTBAND_HUB_MAX_CONNECTIONS" default:"1000"`
	MaxPerIP          int           `yaml:"max_per_ip" env:"FASTBAND_HUB_MAX_PER_IP" default:"50"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"FASTBAND_HUB_HEARTBEAT" default:"30s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"FASTBAND_HUB_WRITE_TIMEOUT" default:"10s"`
	SendBufferSize    int           `yaml:"send_buffer_size" env:"FASTBAND_HUB_SEND_BUFFER" default:"256"`
}

// WebhookConfig configures the Webhook Dispatcher (§4.6.c).
type WebhookConfig struct {
	SubscriptionsFile string        `yaml:"subscriptions_file" env:"FASTBAND_WEBHOOK_FILE" default:"webhooks.json"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout" env:"FASTBAND_WEBHOOK_TIMEOUT" default:"10s"`
	MaxRetries        int           `yaml:"max_retries" env:"FASTBAND_WEBHOOK_MAX_RETRIES" default:"2"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff        time.Duration `yaml:"max_backoff" default:"60s"`
	BackoffFactor     float64       `yaml:"backoff_factor" default:"2.0"`
}

// CodebaseConfig configures the Codebase Context Facade (§6).
type CodebaseConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" env:"FASTBAND_CODEBASE_CACHE_TTL" default:"10m"`
}

// Default returns a Config populated entirely from defaults, matching the
// `default:"..."` tags documented above (kept in sync by hand, as the
// teacher's own DefaultConfig() does).
func Default() *Config {
	return &Config{
		ProjectDir: ".fastband",
		Budget: BudgetConfig{
			BaseAllocation:   20000,
			ShouldHandoffPct: 0.60,
			MustHandoffPct:   0.80,
			MaxExpansions:    3,
		},
		Memory: MemoryConfig{
			SharedCoolMaxItems:  100,
			SharedCoolMaxTokens: 50000,
			SharedColdMaxItems:  500,
			SharedColdMaxTokens: 200000,
			PromotionThreshold:  3,
			MaxPromotedPerClose: 10,
			RedisTTL:            24 * time.Hour,
		},
		Handoff: HandoffConfig{
			ArchiveRetentionHours: 48,
			MaxIDLength:           64,
			MaxNameLength:         128,
			MaxSummaryLength:      2000,
			MaxTaskLength:         500,
			MaxPathLength:         512,
			MaxNotesLength:        5000,
			MaxContextLength:      50000,
			MaxListItems:          100,
			MaxBlockersWarnings:   20,
			MaxHotTokens:          200000,
			MaxBudgetValue:        1000000,
			MaxExpansionCount:     100,
		},
		Ticket: TicketConfig{
			Backend:  "document",
			DataFile: "tickets.json",
			DBFile:   "tickets.db",
		},
		Tool: ToolConfig{
			MaxActiveTools:  60,
			LoadHistorySize: 200,
		},
		Hub: HubConfig{
			MaxConnections:    1000,
			MaxPerIP:          50,
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBufferSize:    256,
		},
		Webhook: WebhookConfig{
			SubscriptionsFile: "webhooks.json",
			DeliveryTimeout:   10 * time.Second,
			MaxRetries:        2,
			InitialBackoff:    time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffFactor:     2.0,
		},
		Codebase: CodebaseConfig{
			CacheTTL: 10 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// if it does not exist), and environment variable overrides, in that order.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

// loadFromEnv applies environment variable overrides field by field, the
// same explicit style as the teacher's Config.LoadFromEnv (no reflection).
// Only the variables read below are applied; the env tags on the other
// fields (memory caps and Redis TTL, handoff retention, ticket file names,
// tool load history, hub timing and buffer, webhook file and timeout,
// codebase cache TTL) are not read from the environment.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("FASTBAND_PROJECT_DIR"); v != "" {
		c.ProjectDir = v
	}
	if v := envInt("FASTBAND_BUDGET_BASE"); v != nil {
		c.Budget.BaseAllocation = *v
	}
	if v := envFloat("FASTBAND_BUDGET_SHOULD_PCT"); v != nil {
		c.Budget.ShouldHandoffPct = *v
	}
	if v := envFloat("FASTBAND_BUDGET_MUST_PCT"); v != nil {
		c.Budget.MustHandoffPct = *v
	}
	if v := envInt("FASTBAND_BUDGET_MAX_EXPANSIONS"); v != nil {
		c.Budget.MaxExpansions = *v
	}
	if v := os.Getenv("FASTBAND_MEM_REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
	}
	if v := os.Getenv("FASTBAND_TICKET_BACKEND"); v != "" {
		c.Ticket.Backend = v
	}
	if v := envInt("FASTBAND_TOOL_MAX_ACTIVE"); v != nil {
		c.Tool.MaxActiveTools = *v
	}
	if v := envInt("FASTBAND_HUB_MAX_CONNECTIONS"); v != nil {
		c.Hub.MaxConnections = *v
	}
	if v := envInt("FASTBAND_HUB_MAX_PER_IP"); v != nil {
		c.Hub.MaxPerIP = *v
	}
	if v := envInt("FASTBAND_WEBHOOK_MAX_RETRIES"); v != nil {
		c.Webhook.MaxRetries = *v
	}
}

func envInt(name string) *int {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(name string) *float64 {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// Option applies a functional override to cfg, the highest-priority layer.
type Option func(*Config) error

// Apply runs every option against cfg in order.
func Apply(cfg *Config, opts ...Option) error {
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

// WithProjectDir overrides the project directory root.
func WithProjectDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("config: project dir must not be empty")
		}
		c.ProjectDir = dir
		return nil
	}
}
