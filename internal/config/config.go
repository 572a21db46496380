package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names an optional TOML file layered under the environment.
const FileEnv = "BUILDROOM_CONFIG"

type Config struct {
	Port     int
	LogLevel string
	// Model provider
	Provider      string
	LLMBaseURL    string
	LLMAPIKey     string
	LLMModel      string
	SuggestModel  string
	OllamaBaseURL string
	MaxTokens     int
	// Limits
	MaxConcurrentBuilds int
	MaxCallsPerMinute   int
	RatePoll            time.Duration
	AgentTimeout        time.Duration
	RetryCount          int
	RetryBase           time.Duration
	SessionTimeout      time.Duration
	SweepInterval       time.Duration
	PausePoll           time.Duration
	// Build content
	DiffMode    string
	CatalogFile string
	PersonaDir  string
	// Archive
	ArchiveDBPath string
	// HTTP
	APIKey      string
	CORSOrigins []string
}

var defaults = map[string]any{
	"port":                    3001,
	"log_level":               "info",
	"llm_provider":            "openai",
	"llm_base_url":            "https://api.deepseek.com",
	"llm_api_key":             "",
	"llm_model":               "deepseek-reasoner",
	"suggest_model":           "deepseek-chat",
	"ollama_base_url":         "http://localhost:11434",
	"max_tokens":              8000,
	"max_concurrent_builds":   3,
	"max_calls_per_minute":    5,
	"rate_poll_seconds":       5,
	"agent_timeout_seconds":   60,
	"agent_retry_count":       3,
	"retry_base_seconds":      2,
	"session_timeout_minutes": 30,
	"sweep_interval_seconds":  60,
	"pause_poll_ms":           500,
	"diff_mode":               "positional",
	"persona_file":            "",
	"persona_dir":             "",
	"archive_db_path":         "",
	"api_key":                 "",
	"cors_origins":            "*",
}

// Load reads configuration from the environment, over the TOML file named
// by BUILDROOM_CONFIG when set.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through v. Values already set on v (flags,
// tests) take precedence over the environment.
func LoadFrom(v *viper.Viper) (*Config, error) {
	for key, val := range defaults {
		v.SetDefault(key, val)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	// Older deployments only set the DeepSeek key.
	if err := v.BindEnv("llm_api_key", "LLM_API_KEY", "DEEPSEEK_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind llm_api_key: %w", err)
	}

	if path := os.Getenv(FileEnv); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:                v.GetInt("port"),
		LogLevel:            v.GetString("log_level"),
		Provider:            strings.ToLower(v.GetString("llm_provider")),
		LLMBaseURL:          v.GetString("llm_base_url"),
		LLMAPIKey:           v.GetString("llm_api_key"),
		LLMModel:            v.GetString("llm_model"),
		SuggestModel:        v.GetString("suggest_model"),
		OllamaBaseURL:       v.GetString("ollama_base_url"),
		MaxTokens:           v.GetInt("max_tokens"),
		MaxConcurrentBuilds: v.GetInt("max_concurrent_builds"),
		MaxCallsPerMinute:   v.GetInt("max_calls_per_minute"),
		RatePoll:            time.Duration(v.GetInt("rate_poll_seconds")) * time.Second,
		AgentTimeout:        time.Duration(v.GetInt("agent_timeout_seconds")) * time.Second,
		RetryCount:          v.GetInt("agent_retry_count"),
		RetryBase:           time.Duration(v.GetInt("retry_base_seconds")) * time.Second,
		SessionTimeout:      time.Duration(v.GetInt("session_timeout_minutes")) * time.Minute,
		SweepInterval:       time.Duration(v.GetInt("sweep_interval_seconds")) * time.Second,
		PausePoll:           time.Duration(v.GetInt("pause_poll_ms")) * time.Millisecond,
		DiffMode:            strings.ToLower(v.GetString("diff_mode")),
		CatalogFile:         v.GetString("persona_file"),
		PersonaDir:          v.GetString("persona_dir"),
		ArchiveDBPath:       v.GetString("archive_db_path"),
		APIKey:              v.GetString("api_key"),
		CORSOrigins:         splitList(v.GetString("cors_origins")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.Provider {
	case "openai":
		if c.LLMBaseURL == "" {
			return fmt.Errorf("LLM_BASE_URL must not be empty")
		}
	case "ollama":
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or ollama, got %q", c.Provider)
	}
	if c.LLMModel == "" {
		return fmt.Errorf("LLM_MODEL must not be empty")
	}
	if c.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("MAX_CONCURRENT_BUILDS must be positive, got %d", c.MaxConcurrentBuilds)
	}
	if c.MaxCallsPerMinute < 1 {
		return fmt.Errorf("MAX_CALLS_PER_MINUTE must be positive, got %d", c.MaxCallsPerMinute)
	}
	if c.RetryCount < 1 {
		return fmt.Errorf("AGENT_RETRY_COUNT must be at least 1, got %d", c.RetryCount)
	}
	if c.AgentTimeout <= 0 || c.RatePoll <= 0 || c.PausePoll <= 0 {
		return fmt.Errorf("timeouts and poll intervals must be positive")
	}
	if c.SessionTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES and SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.DiffMode != "positional" && c.DiffMode != "lcs" {
		return fmt.Errorf("DIFF_MODE must be positional or lcs, got %q", c.DiffMode)
	}
	return nil
}

// ActiveModel is the model name used for build calls.
func (c *Config) ActiveModel() string {
	return c.LLMModel
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
