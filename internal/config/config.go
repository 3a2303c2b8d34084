package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/moby/sys/atomicwriter"
)

const (
	DefaultName           = "Orion"
	DefaultModel          = "claude-sonnet-4-5-20250929"
	DefaultGroqModel      = "llama-3.1-8b-instant"
	DefaultGroqBaseURL    = "https://api.groq.com/openai/v1"
	DefaultMaxTokens      = 1024
	DefaultTemperature    = 0.7
	DefaultAttempts       = 2
	DefaultBackoffMs      = 700
	DefaultHistorySize    = 50
	DefaultStoreKind      = "sqlite"
	DefaultSweepSpec      = "@every 30s"
	DefaultListenTimeout  = 5
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 18790
	DefaultBufSize        = 100
	DefaultLogLevel       = "info"
	DefaultWeatherBaseURL = "https://api.openweathermap.org"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Assistant AssistantConfig `json:"assistant"`
	Provider  ProviderConfig  `json:"provider"`
	AI        AIConfig        `json:"ai"`
	Weather   WeatherConfig   `json:"weather"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Stopwatch StopwatchConfig `json:"stopwatch"`
	Voice     VoiceConfig     `json:"voice"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Log       LogConfig       `json:"log"`
}

type AssistantConfig struct {
	Name      string `json:"name"`
	Workspace string `json:"workspace"`
	// Heuristics turns on the keyword stage of the intent classifier.
	Heuristics  bool                `json:"heuristics"`
	Apps        map[string][]string `json:"apps,omitempty"`
	HistorySize int                 `json:"historySize"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default), "openai" or "groq"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AIConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	Attempts    int     `json:"attempts"`
	BackoffMs   int     `json:"backoffMs"`
	Persona     string  `json:"persona,omitempty"`
}

type WeatherConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type SchedulerConfig struct {
	Durable   bool   `json:"durable"`
	StoreKind string `json:"storeKind"`
	DBPath    string `json:"dbPath,omitempty"`
	SweepSpec string `json:"sweepSpec,omitempty"`
}

type StopwatchConfig struct {
	StatePath string `json:"statePath,omitempty"`
}

type VoiceConfig struct {
	Enabled   bool     `json:"enabled"`
	WakeWords []string `json:"wakeWords,omitempty"`
	// ListenTimeout is how long one recognition attempt waits, in seconds.
	ListenTimeout int      `json:"listenTimeout"`
	SpeechCommand string   `json:"speechCommand,omitempty"`
	SpeechArgs    []string `json:"speechArgs,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	BufSize int    `json:"bufSize,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Assistant: AssistantConfig{
			Name:        DefaultName,
			Workspace:   filepath.Join(dir, "workspace"),
			HistorySize: DefaultHistorySize,
		},
		AI: AIConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Attempts:    DefaultAttempts,
			BackoffMs:   DefaultBackoffMs,
		},
		Weather: WeatherConfig{BaseURL: DefaultWeatherBaseURL},
		Scheduler: SchedulerConfig{
			Durable:   true,
			StoreKind: DefaultStoreKind,
			SweepSpec: DefaultSweepSpec,
		},
		Voice: VoiceConfig{ListenTimeout: DefaultListenTimeout},
		Gateway: GatewayConfig{
			Host:    DefaultHost,
			Port:    DefaultPort,
			BufSize: DefaultBufSize,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".orion")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// SchedulerDBPath is the job store location, defaulting into the workspace.
func (c *Config) SchedulerDBPath() string {
	if c.Scheduler.DBPath != "" {
		return c.Scheduler.DBPath
	}
	name := "timers.db"
	if c.Scheduler.StoreKind == "json" {
		name = "timers.json"
	}
	return filepath.Join(c.Assistant.Workspace, name)
}

func (c *Config) StopwatchPath() string {
	if c.Stopwatch.StatePath != "" {
		return c.Stopwatch.StatePath
	}
	return filepath.Join(c.Assistant.Workspace, "stopwatch_state.json")
}

func (c *Config) AnswersDir() string {
	return filepath.Join(c.Assistant.Workspace, "answers")
}

func (c *Config) HistoryDir() string {
	return filepath.Join(c.Assistant.Workspace, "history")
}

// LoadConfig reads ~/.orion/config.json, then applies .env and environment
// overrides. A missing file or .env yields the defaults.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	def := DefaultConfig()
	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = def.Assistant.Name
	}
	if cfg.Assistant.Workspace == "" {
		cfg.Assistant.Workspace = def.Assistant.Workspace
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = def.AI.Model
		if cfg.Provider.Type == "groq" {
			cfg.AI.Model = DefaultGroqModel
		}
	}
	if cfg.Weather.BaseURL == "" {
		cfg.Weather.BaseURL = def.Weather.BaseURL
	}
	if cfg.Scheduler.StoreKind == "" {
		cfg.Scheduler.StoreKind = def.Scheduler.StoreKind
	}
	if cfg.Scheduler.SweepSpec == "" {
		cfg.Scheduler.SweepSpec = def.Scheduler.SweepSpec
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("ORION_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "groq"
		}
		if cfg.Provider.BaseURL == "" {
			cfg.Provider.BaseURL = DefaultGroqBaseURL
		}
		if cfg.AI.Model == "" || cfg.AI.Model == DefaultModel {
			cfg.AI.Model = DefaultGroqModel
		}
	}
	if url := os.Getenv("ORION_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if m := os.Getenv("ORION_MODEL"); m != "" {
		cfg.AI.Model = m
	}
	if key := os.Getenv("OPENWEATHER_API_KEY"); key != "" {
		cfg.Weather.APIKey = key
	}
	if token := os.Getenv("ORION_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if path := os.Getenv("ORION_SCHEDULER_DB"); path != "" {
		cfg.Scheduler.DBPath = path
	}
	if level := os.Getenv("ORION_LOG_LEVEL"); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
}

// Validate reports the first setting no component could start with.
func (c *Config) Validate() error {
	switch c.Scheduler.StoreKind {
	case "", "sqlite", "json":
	default:
		return fmt.Errorf("%w: scheduler.storeKind %q (want sqlite or json)", ErrInvalid, c.Scheduler.StoreKind)
	}
	switch c.Provider.Type {
	case "", "anthropic", "openai", "groq":
	default:
		return fmt.Errorf("%w: provider.type %q", ErrInvalid, c.Provider.Type)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port %d out of range", ErrInvalid, c.Gateway.Port)
	}
	if c.AI.Attempts < 1 {
		return fmt.Errorf("%w: ai.attempts must be at least 1", ErrInvalid)
	}
	if c.AI.BackoffMs < 0 {
		return fmt.Errorf("%w: ai.backoffMs must not be negative", ErrInvalid)
	}
	if c.Voice.ListenTimeout < 0 {
		return fmt.Errorf("%w: voice.listenTimeout must not be negative", ErrInvalid)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("%w: telegram is enabled without a token", ErrInvalid)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := atomicwriter.WriteFile(ConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
