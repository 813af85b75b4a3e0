// Package config handles loading and validating Loanhive configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Loanhive.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.loanhive/data. Override: LOANHIVE_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	LLM           LLMConfig            `json:"llm" yaml:"llm"`
	Agents        AgentsConfig         `json:"agents" yaml:"agents"`
	Orchestrator  *OrchestratorConfig  `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`   // nil = defaults
	Mailroom      *MailroomConfig      `json:"mailroom,omitempty" yaml:"mailroom,omitempty"`           // nil = mailbox polling disabled
	Twilio        *TwilioConfig        `json:"twilio,omitempty" yaml:"twilio,omitempty"`               // nil = SMS disabled
	Voice         *VoiceConfig         `json:"voice,omitempty" yaml:"voice,omitempty"`                 // nil = voice gateway disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr      string            `json:"listen_addr" yaml:"listen_addr"`               // Default: ":8080"
	APIKeys         map[string]string `json:"api_keys" yaml:"api_keys"`                     // key → caller name
	RateLimitPerMin int               `json:"rate_limit_per_min" yaml:"rate_limit_per_min"` // Per caller. Default: 60. 0 keeps the default; -1 disables.
	EnableDocs      bool              `json:"enable_docs" yaml:"enable_docs"`               // Serve OpenAPI docs.
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

/// RateLimit returns the per-caller events-per-minute budget. Default: 60.
func (s ServerConfig) RateLimit() int {
	switch {
	case s.RateLimitPerMin > 0:
		return s.RateLimitPerMin
	case s.RateLimitPerMin < 0:
		return 0 // disabled
	}
	return 60
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres", or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return storage.DefaultDriver
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ConnMaxLifetime returns the connection lifetime with a default of 30m.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// LLMConfig configures the chat-completion provider the planner uses.
type LLMConfig struct {
	APIKey       string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY env var.
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	DefaultModel string `json:"default_model" yaml:"default_model"` // Used when an agent names no model.
}

// Model returns the default model with a fallback of "gpt-4o-mini".
func (l LLMConfig) Model() string {
	if l.DefaultModel != "" {
		return l.DefaultModel
	}
	return "gpt-4o-mini"
}

// AgentsConfig configures event routing and optional seed agents.
type AgentsConfig struct {
	// Routes maps an event source ("email", "sms", "voice", "api",
	// "timer") to the agent type that handles it.
	Routes map[string]string `json:"routes" yaml:"routes"`
	// Seed agents are saved on first start when the store is empty.
	Seed []SeedAgent `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// SeedAgent describes an agent created on first start.
type SeedAgent struct {
	Name         string  `json:"name" yaml:"name"`
	Type         string  `json:"type" yaml:"type"`
	Model        string  `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt"`
	AllowedTools []int64 `json:"allowed_tools" yaml:"allowed_tools"`
	RiskCeiling  string  `json:"risk_ceiling" yaml:"risk_ceiling"` // Default: "low"
	MaxPlanSteps int     `json:"max_plan_steps" yaml:"max_plan_steps"`
}

// TypedRoutes converts the route table to agent types.
func (a AgentsConfig) TypedRoutes() map[string]agent.Type {
	out := make(map[string]agent.Type, len(a.Routes))
	for source, typ := range a.Routes {
		out[source] = agent.Type(typ)
	}
	return out
}

// OrchestratorConfig tunes the execution loop. When nil, defaults apply.
type OrchestratorConfig struct {
	MaxConcurrent     int `json:"max_concurrent" yaml:"max_concurrent"`           // Default: 16.
	ToolTimeoutS      int `json:"tool_timeout_s" yaml:"tool_timeout_s"`           // Default: 30.
	ExecutionTimeoutS int `json:"execution_timeout_s" yaml:"execution_timeout_s"` // Default: 120.
	MaxReplans        int `json:"max_replans" yaml:"max_replans"`                 // Default: 2.
}

// Concurrency returns the worker cap with a default of 16.
func (o *OrchestratorConfig) Concurrency() int {
	if o != nil && o.MaxConcurrent > 0 {
		return o.MaxConcurrent
	}
	return 16
}

// ToolTimeout returns the per-tool-call timeout with a default of 30s.
func (o *OrchestratorConfig) ToolTimeout() time.Duration {
	if o != nil && o.ToolTimeoutS > 0 {
		return time.Duration(o.ToolTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// ExecutionTimeout returns the whole-execution timeout with a default of 2m.
func (o *OrchestratorConfig) ExecutionTimeout() time.Duration {
	if o != nil && o.ExecutionTimeoutS > 0 {
		return time.Duration(o.ExecutionTimeoutS) * time.Second
	}
	return 2 * time.Minute
}

// Replans returns the replan budget with a default of 2.
func (o *OrchestratorConfig) Replans() int {
	if o != nil && o.MaxReplans > 0 {
		return o.MaxReplans
	}
	return 2
}

// MailroomConfig configures mailbox polling.
// When nil, no mailboxes are polled.
type MailroomConfig struct {
	Enabled       bool                `json:"enabled" yaml:"enabled"`
	LookbackHours int                 `json:"lookback_hours" yaml:"lookback_hours"` // First-poll window. Default: 24.
	Accounts      []MailAccountConfig `json:"accounts" yaml:"accounts"`
}

// Lookback returns the first-poll window with a default of 24h.
func (m *MailroomConfig) Lookback() time.Duration {
	if m != nil && m.LookbackHours > 0 {
		return time.Duration(m.LookbackHours) * time.Hour
	}
	return 24 * time.Hour
}

// MailAccountConfig is one polled Microsoft Graph mailbox.
type MailAccountConfig struct {
	Mailbox      string `json:"mailbox" yaml:"mailbox"`   // e.g. "loans@acme.com"
	Schedule     string `json:"schedule" yaml:"schedule"` // cron spec. Default: "@every 1m".
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"` // Override: GRAPH_CLIENT_SECRET env var.
	// DeleteAfterImport removes the message from the mailbox once its
	// event is recorded.
	DeleteAfterImport bool `json:"delete_after_import" yaml:"delete_after_import"`
}

// CronSchedule returns the poll schedule with a default of every minute.
func (m MailAccountConfig) CronSchedule() string {
	if m.Schedule != "" {
		return m.Schedule
	}
	return "@every 1m"
}

// Source returns the ingestion ledger source key for this account.
func (m MailAccountConfig) Source() string {
	return "graph:" + m.Mailbox
}

// TwilioConfig configures the SMS sender and inbound webhook.
// When nil, the send_sms tool reports a permanent failure and the
// webhook route is not mounted.
type TwilioConfig struct {
	AccountSID string `json:"account_sid" yaml:"account_sid"`
	AuthToken  string `json:"auth_token" yaml:"auth_token"` // Override: TWILIO_AUTH_TOKEN env var.
	From       string `json:"from" yaml:"from"`             // E.164 sender number.
	WebhookKey string `json:"webhook_key" yaml:"webhook_key"`
}

// VoiceConfig configures the live-call WebSocket gateway.
// When nil, the endpoint is not mounted.
type VoiceConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"` // Override: VOICE_BRIDGE_TOKEN env var.
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "loanhive"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.loanhive/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/loanhive.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".loanhive", "config.yaml")
}

// Default returns a runnable zero-file configuration: SQLite storage
// under the data dir, every source routed to a dispatcher, no external
// integrations.
func Default() *Config {
	cfg := &Config{
		Agents: AgentsConfig{
			Routes: map[string]string{
				"email": string(agent.TypeCoordinator),
				"sms":   string(agent.TypeReceptionist),
				"voice": string(agent.TypeReceptionist),
				"api":   string(agent.TypeDispatcher),
				"timer": string(agent.TypeAuditor),
			},
		},
	}
	applyEnvOverrides(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Secrets can be set in the config file or
// overridden by environment variables; environment variables take
// precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.LLM.APIKey = envKey
	}
	if envDD := os.Getenv("LOANHIVE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("LOANHIVE_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: storage.DriverPostgres}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("TWILIO_AUTH_TOKEN"); envKey != "" {
		if cfg.Twilio == nil {
			cfg.Twilio = &TwilioConfig{}
		}
		cfg.Twilio.AuthToken = envKey
	}
	if envKey := os.Getenv("GRAPH_CLIENT_SECRET"); envKey != "" && cfg.Mailroom != nil {
		for i := range cfg.Mailroom.Accounts {
			cfg.Mailroom.Accounts[i].ClientSecret = envKey
		}
	}
	if envKey := os.Getenv("VOICE_BRIDGE_TOKEN"); envKey != "" {
		if cfg.Voice == nil {
			cfg.Voice = &VoiceConfig{Enabled: true}
		}
		cfg.Voice.Token = envKey
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".loanhive", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "loanhive.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

var validAgentTypes = map[agent.Type]bool{
	agent.TypeReceptionist: true,
	agent.TypeCoordinator:  true,
	agent.TypeAuditor:      true,
	agent.TypeResearcher:   true,
	agent.TypeScribe:       true,
	agent.TypeDispatcher:   true,
	agent.TypeGeneralist:   true,
}

func (c *Config) validate() error {
	switch driver := c.StorageDriverName(); driver {
	case storage.DriverMemory, storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use memory, sqlite or postgres)", driver)
	}

	for source, typ := range c.Agents.Routes {
		if !validAgentTypes[agent.Type(typ)] {
			return fmt.Errorf("agents.routes.%s: unknown agent type %q", source, typ)
		}
	}
	for i, seed := range c.Agents.Seed {
		if seed.Name == "" {
			return fmt.Errorf("agents.seed[%d].name is required", i)
		}
		if !validAgentTypes[agent.Type(seed.Type)] {
			return fmt.Errorf("agents.seed[%d]: unknown agent type %q", i, seed.Type)
		}
	}

	if c.Mailroom != nil && c.Mailroom.Enabled {
		if len(c.Mailroom.Accounts) == 0 {
			return fmt.Errorf("mailroom.accounts must contain at least one mailbox when enabled")
		}
		for i, acct := range c.Mailroom.Accounts {
			if acct.Mailbox == "" {
				return fmt.Errorf("mailroom.accounts[%d].mailbox is required", i)
			}
			if acct.TenantID == "" || acct.ClientID == "" {
				return fmt.Errorf("mailroom.accounts[%d]: tenant_id and client_id are required", i)
			}
		}
	}

	if c.Twilio != nil {
		if c.Twilio.AccountSID == "" || c.Twilio.From == "" {
			return fmt.Errorf("twilio.account_sid and twilio.from are required when twilio is configured")
		}
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}

	return nil
}
