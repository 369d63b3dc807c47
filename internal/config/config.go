// File: internal/config/config.go

// Package config loads and validates webpilot's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on it so tests can substitute their own values.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Agent() AgentConfig
	Journal() JournalConfig

	// Agent Setters
	SetAgentMode(mode string)
	SetAgentMaxSteps(n int)

	// Browser Setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration. Fields are private so
// that reads go through the Interface getters.
type Config struct {
	logger  LoggerConfig
	browser BrowserConfig
	agent   AgentConfig
	journal JournalConfig
}

// rawConfig mirrors Config with exported fields for viper to decode into.
type rawConfig struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
}

// --- Getters ---

func (c *Config) Logger() LoggerConfig   { return c.logger }
func (c *Config) Browser() BrowserConfig { return c.browser }
func (c *Config) Agent() AgentConfig     { return c.agent }
func (c *Config) Journal() JournalConfig { return c.journal }

// --- Setters ---

func (c *Config) SetAgentMode(mode string)  { c.agent.Mode = mode }
func (c *Config) SetAgentMaxSteps(n int)    { c.agent.MaxSteps = n }
func (c *Config) SetBrowserHeadless(b bool) { c.browser.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser the driver launches.
type BrowserConfig struct {
	Headless   bool     `mapstructure:"headless" yaml:"headless"`
	DisableGPU bool     `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	Args       []string `mapstructure:"args" yaml:"args"`
	// ExecPath overrides the browser binary chromedp would discover.
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StableTimeout     time.Duration  `mapstructure:"stable_timeout" yaml:"stable_timeout"`
	// StablePoll is the interval between DOM size samples while waiting.
	StablePoll time.Duration `mapstructure:"stable_poll" yaml:"stable_poll"`
}

// Agent operating modes.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// AgentConfig holds settings for the step machine and its decision function.
type AgentConfig struct {
	Mode                   string          `mapstructure:"mode" yaml:"mode"`
	MaxSteps               int             `mapstructure:"max_steps" yaml:"max_steps"`
	MaxActionsPerStep      int             `mapstructure:"max_actions_per_step" yaml:"max_actions_per_step"`
	MaxConsecutiveFailures int             `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxErrorLength         int             `mapstructure:"max_error_length" yaml:"max_error_length"`
	EmptyPageMaxRetry      int             `mapstructure:"empty_page_max_retry" yaml:"empty_page_max_retry"`
	DecisionTimeout        time.Duration   `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	ExtractionTimeout      time.Duration   `mapstructure:"extraction_timeout" yaml:"extraction_timeout"`
	TextLimit              int             `mapstructure:"text_limit" yaml:"text_limit"`
	Concurrency            int             `mapstructure:"concurrency" yaml:"concurrency"`
	LLM                    LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// JournalConfig configures the Postgres step journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini    LLMProvider = "gemini"     // REST API with explicit retries.
	ProviderGeminiSDK LLMProvider = "gemini_sdk" // google.golang.org/genai.
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	RequestsPerMinute    int                       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		// Defaults always decode.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return raw.build()
}

// SetDefaults initializes default values for every configuration section.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 900})
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.stable_timeout", "5s")
	v.SetDefault("browser.stable_poll", "250ms")

	// -- Agent --
	v.SetDefault("agent.mode", ModeMulti)
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.max_actions_per_step", 5)
	v.SetDefault("agent.max_consecutive_failures", 3)
	v.SetDefault("agent.max_error_length", 500)
	v.SetDefault("agent.empty_page_max_retry", 3)
	v.SetDefault("agent.decision_timeout", "60s")
	v.SetDefault("agent.extraction_timeout", "60s")
	v.SetDefault("agent.text_limit", 80)
	v.SetDefault("agent.concurrency", 2)

	// -- Agent LLM --
	v.SetDefault("agent.llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.requests_per_minute", 60)
	v.SetDefault("agent.llm.models", map[string]interface{}{
		"gemini-2.5-flash": map[string]interface{}{
			"provider":    string(ProviderGemini),
			"model":       "gemini-2.5-flash",
			"api_timeout": "90s",
			"temperature": 0.2,
			"max_tokens":  8192,
		},
		"gemini-2.5-pro": map[string]interface{}{
			"provider":    string(ProviderGemini),
			"model":       "gemini-2.5-pro",
			"api_timeout": "120s",
			"temperature": 0.2,
			"max_tokens":  8192,
		},
	})

	// -- Journal --
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dsn", "")
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data
	_ = v.BindEnv("journal.dsn", "WEBPILOT_JOURNAL_DSN")

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// API keys live in the environment, shared by every model entry that
	// does not set its own.
	if key := os.Getenv("WEBPILOT_GEMINI_API_KEY"); key != "" {
		for name, m := range raw.Agent.LLM.Models {
			if m.APIKey == "" {
				m.APIKey = key
				raw.Agent.LLM.Models[name] = m
			}
		}
	}

	if raw.Logger.LogFile != "" {
		expanded, err := homedir.Expand(raw.Logger.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand logger.log_file: %w", err)
		}
		raw.Logger.LogFile = expanded
	}

	cfg := raw.build()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (r rawConfig) build() *Config {
	return &Config{
		logger:  r.Logger,
		browser: r.Browser,
		agent:   r.Agent,
		journal: r.Journal,
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.browser.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if c.journal.Enabled && c.journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required when the journal is enabled. Ensure WEBPILOT_JOURNAL_DSN is set")
	}
	return nil
}

// Validate checks the agent settings.
func (a *AgentConfig) Validate() error {
	switch strings.ToLower(a.Mode) {
	case ModeSingle, ModeMulti:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeSingle, ModeMulti, a.Mode)
	}
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.MaxActionsPerStep <= 0 {
		return fmt.Errorf("max_actions_per_step must be a positive integer")
	}
	if a.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be a positive integer")
	}
	if a.EmptyPageMaxRetry < 0 {
		return fmt.Errorf("empty_page_max_retry cannot be negative")
	}
	if a.DecisionTimeout <= 0 {
		return fmt.Errorf("decision_timeout must be a positive duration")
	}
	if a.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	if b.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	if b.StableTimeout <= 0 {
		return fmt.Errorf("stable_timeout must be a positive duration")
	}
	return nil
}
