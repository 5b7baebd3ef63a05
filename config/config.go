package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration engine
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Planner      PlannerConfig      `mapstructure:"planner"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Progress     ProgressConfig     `mapstructure:"progress"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig configures the completion/embedding provider
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains persistence backends
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the primary relational store
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the optional event stream backend
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OrchestratorConfig tunes the session driver
type OrchestratorConfig struct {
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
	RecentEventWindow     int `mapstructure:"recent_event_window"`
}

// PlannerConfig selects and tunes the decomposition strategy
type PlannerConfig struct {
	Strategy          string `mapstructure:"strategy"` // "llm" or "rules"
	MaxRepairAttempts int    `mapstructure:"max_repair_attempts"`
}

// ExecutorConfig tunes retry behaviour for tool invocations
type ExecutorConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// MemoryConfig tunes the two memory tiers
type MemoryConfig struct {
	ShortTermTTL     time.Duration `mapstructure:"short_term_ttl"`
	DedupeThreshold  float64       `mapstructure:"dedupe_threshold"`
	SimilarityWeight float64       `mapstructure:"similarity_weight"`
	ReinforceBoost   float64       `mapstructure:"reinforce_boost"`
	RecallTopK       int           `mapstructure:"recall_top_k"`
	SweepCron        string        `mapstructure:"sweep_cron"`
}

// ToolsConfig configures built-in tool implementations
type ToolsConfig struct {
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// ProgressConfig tunes the progress event stream
type ProgressConfig struct {
	StreamMaxLen  int64 `mapstructure:"stream_max_len"`
	SubscriberBuf int   `mapstructure:"subscriber_buf"`
}

// LoadConfig reads configuration from file and environment (ARCHON_*).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.completion_model", "gpt-4o")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", "30s")
	viper.SetDefault("orchestrator.max_concurrent_sessions", 8)
	viper.SetDefault("orchestrator.recent_event_window", 50)
	viper.SetDefault("planner.strategy", "rules")
	viper.SetDefault("planner.max_repair_attempts", 2)
	viper.SetDefault("executor.max_attempts", 3)
	viper.SetDefault("executor.base_delay", "500ms")
	viper.SetDefault("executor.max_delay", "10s")
	viper.SetDefault("executor.tool_timeout", "2m")
	viper.SetDefault("memory.short_term_ttl", "1h")
	viper.SetDefault("memory.dedupe_threshold", 0.9)
	viper.SetDefault("memory.similarity_weight", 0.7)
	viper.SetDefault("memory.reinforce_boost", 0.1)
	viper.SetDefault("memory.recall_top_k", 10)
	viper.SetDefault("memory.sweep_cron", "*/15 * * * *")
	viper.SetDefault("tools.workspace_root", ".")
	viper.SetDefault("progress.stream_max_len", 10000)
	viper.SetDefault("progress.subscriber_buf", 64)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ARCHON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file is optional; env and defaults are enough to boot.
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error unmarshalling config: %w", err))
	}
	return &cfg
}
