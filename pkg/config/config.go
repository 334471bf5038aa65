package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config is the full bot configuration. Values come from an optional JSON
// file overridden by KIOKU_* environment variables.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Log       LogConfig       `json:"log"`
}

type AgentConfig struct {
	Name         string `json:"name" env:"KIOKU_AGENT_NAME"`
	SystemPrompt string `json:"system_prompt" env:"KIOKU_AGENT_SYSTEM_PROMPT"`
	// ReplyPrefix triggers a reply in group chats when a message starts
	// with it. Empty means reply only on mention.
	ReplyPrefix string `json:"reply_prefix" env:"KIOKU_AGENT_REPLY_PREFIX"`
	RecallTopK  int    `json:"recall_top_k" env:"KIOKU_AGENT_RECALL_TOP_K"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string   `json:"token" env:"KIOKU_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"KIOKU_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
}

type OpenAIConfig struct {
	APIKey         string `json:"api_key" env:"KIOKU_PROVIDERS_OPENAI_API_KEY"`
	APIBase        string `json:"api_base" env:"KIOKU_PROVIDERS_OPENAI_API_BASE"`
	Model          string `json:"model" env:"KIOKU_PROVIDERS_OPENAI_MODEL"`
	EmbeddingModel string `json:"embedding_model" env:"KIOKU_PROVIDERS_OPENAI_EMBEDDING_MODEL"`
	Proxy          string `json:"proxy,omitempty" env:"KIOKU_PROVIDERS_OPENAI_PROXY"`
}

type MemoryConfig struct {
	StoragePath           string `json:"storage_path" env:"KIOKU_MEMORY_STORAGE_PATH"`
	WorkingCapacity       int    `json:"working_capacity" env:"KIOKU_MEMORY_WORKING_CAPACITY"`
	WorkingMaxTokens      int    `json:"working_max_tokens" env:"KIOKU_MEMORY_WORKING_MAX_TOKENS"`
	EpisodicRetentionDays int    `json:"episodic_retention_days" env:"KIOKU_MEMORY_EPISODIC_RETENTION_DAYS"`
	EpisodicCapacity      int    `json:"episodic_capacity" env:"KIOKU_MEMORY_EPISODIC_CAPACITY"`
	ConsolidationBatch    int    `json:"consolidation_batch" env:"KIOKU_MEMORY_CONSOLIDATION_BATCH"`
	Embedder              string `json:"embedder" env:"KIOKU_MEMORY_EMBEDDER"`
}

type SchedulerConfig struct {
	// Cron expressions, checked once per minute.
	ConsolidateSchedule string `json:"consolidate_schedule" env:"KIOKU_SCHEDULER_CONSOLIDATE_SCHEDULE"`
	ForgetSchedule      string `json:"forget_schedule" env:"KIOKU_SCHEDULER_FORGET_SCHEDULE"`
	// Consolidation runs while the unconsolidated backlog exceeds
	// HighWatermark and drains it below LowWatermark.
	HighWatermark int `json:"high_watermark" env:"KIOKU_SCHEDULER_HIGH_WATERMARK"`
	LowWatermark  int `json:"low_watermark" env:"KIOKU_SCHEDULER_LOW_WATERMARK"`
}

type LogConfig struct {
	Level  string `json:"level" env:"KIOKU_LOG_LEVEL"`
	Pretty bool   `json:"pretty" env:"KIOKU_LOG_PRETTY"`
}

// Default returns a config with working defaults for local use.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Name:        "kioku",
			ReplyPrefix: "!ask",
			RecallTopK:  5,
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				APIBase:        "https://api.openai.com/v1",
				Model:          "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
			},
		},
		Memory: MemoryConfig{
			StoragePath:           filepath.Join(home, ".kioku", "memory"),
			WorkingCapacity:       10,
			WorkingMaxTokens:      1000,
			EpisodicRetentionDays: 30,
			EpisodicCapacity:      10000,
			ConsolidationBatch:    20,
			Embedder:              "chargram",
		},
		Scheduler: SchedulerConfig{
			ConsolidateSchedule: "0 * * * *",
			ForgetSchedule:      "30 3 * * *",
			HighWatermark:       100,
			LowWatermark:        50,
		},
		Log: LogConfig{Level: "info", Pretty: true},
	}
}

// Path returns the config file location, honoring KIOKU_CONFIG.
func Path() string {
	if p := os.Getenv("KIOKU_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kioku", "config.json")
}

// Load reads the JSON config file (if present) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
