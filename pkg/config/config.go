package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	envConfigPath        = "ASTRALUNE_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envBridgeToken       = "ASTRALUNE_BRIDGE_TOKEN"
	envOwners            = "ASTRALUNE_OWNERS"
	envRedisURL          = "ASTRALUNE_REDIS_URL"
)

// ErrNotFound is returned by LoadConfig when no config file exists in the
// default locations.
var ErrNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json. The
// file may carry // and /* */ comments and trailing commas.
type Config struct {
	Bot        BotConfig        `json:"bot"`
	Plugins    PluginsConfig    `json:"plugins"`
	Transports TransportsConfig `json:"transports"`
	Notices    NoticesConfig    `json:"notices"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	Stats      StatsConfig      `json:"stats"`
	Store      StoreConfig      `json:"store"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Assistant  AssistantConfig  `json:"assistant"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// BotConfig holds identity-level settings.
type BotConfig struct {
	Name     string   `json:"name"`
	Prefixes []string `json:"prefixes"`
	// Owners may run owner-only commands in addition to the bot's own
	// account.
	Owners []string `json:"owners"`
}

// PluginsConfig locates command manifests.
type PluginsConfig struct {
	Dir          string `json:"dir"`
	RefreshHours int    `json:"refresh_hours"`
}

// TransportsConfig stores transport adapter settings.
type TransportsConfig struct {
	Bridge   BridgeConfig   `json:"bridge"`
	Telegram TelegramConfig `json:"telegram"`
}

// BridgeConfig configures the WhatsApp WebSocket bridge.
type BridgeConfig struct {
	Enabled          bool   `json:"enabled"`
	URL              string `json:"url"`
	Token            string `json:"token"`
	ReconnectSeconds int    `json:"reconnect_seconds"`
}

// TelegramConfig configures Telegram integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// NoticesConfig sets how long ephemeral notices stay visible.
type NoticesConfig struct {
	RefusalSeconds int `json:"refusal_seconds"`
	ErrorSeconds   int `json:"error_seconds"`
}

// SandboxConfig bounds handler execution.
type SandboxConfig struct {
	HandlerTimeoutSeconds int `json:"handler_timeout_seconds"`
}

// StatsConfig selects the counter backend.
type StatsConfig struct {
	Backend       string `json:"backend"`
	Path          string `json:"path"`
	RedisURL      string `json:"redis_url"`
	RedisKey      string `json:"redis_key"`
	ReportMinutes int    `json:"report_minutes"`
}

// StoreConfig configures the SQLite store and its backups.
type StoreConfig struct {
	Path        string `json:"path"`
	BackupDir   string `json:"backup_dir"`
	BackupHours int    `json:"backup_hours"`
	BackupKeep  int    `json:"backup_keep"`
}

// SupervisorConfig controls automatic restarts.
type SupervisorConfig struct {
	Enabled       bool `json:"enabled"`
	MaxRestarts   int  `json:"max_restarts"`
	WindowMinutes int  `json:"window_minutes"`
	DelaySeconds  int  `json:"delay_seconds"`
}

// AssistantConfig configures the OpenAI-compatible backend of the ai
// command. The command is disabled when the API key env var is unset.
type AssistantConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Model                 string `json:"model"`
	Instructions          string `json:"instructions"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// GatewayConfig configures the health/status HTTP bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
	// Dir, when set, also writes one log file per day.
	Dir string `json:"dir,omitempty"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	cfg := &Config{Supervisor: SupervisorConfig{Enabled: true}}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig resolves config.json, parses it, and applies defaults and
// environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(configPath)
}

// LoadOrDefault is LoadConfig, except that a missing file yields the
// defaults with environment overrides applied.
func LoadOrDefault() (*Config, error) {
	cfg, err := LoadConfig()
	if errors.Is(err, ErrNotFound) {
		cfg = Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return cfg, err
}

// Load parses one config file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bot.Name == "" {
		cfg.Bot.Name = "astralune"
	}
	if len(cfg.Bot.Prefixes) == 0 {
		cfg.Bot.Prefixes = []string{"!", "#", ".", "/"}
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = "plugins"
	}
	if cfg.Plugins.RefreshHours == 0 {
		cfg.Plugins.RefreshHours = 12
	}
	if cfg.Transports.Bridge.ReconnectSeconds <= 0 {
		cfg.Transports.Bridge.ReconnectSeconds = 5
	}
	if cfg.Notices.RefusalSeconds <= 0 {
		cfg.Notices.RefusalSeconds = 5
	}
	if cfg.Notices.ErrorSeconds <= 0 {
		cfg.Notices.ErrorSeconds = 10
	}
	if cfg.Sandbox.HandlerTimeoutSeconds <= 0 {
		cfg.Sandbox.HandlerTimeoutSeconds = 120
	}
	if cfg.Stats.Backend == "" {
		cfg.Stats.Backend = "file"
	}
	if cfg.Stats.Path == "" {
		cfg.Stats.Path = filepath.Join("data", "stats.json")
	}
	if cfg.Stats.ReportMinutes == 0 {
		cfg.Stats.ReportMinutes = 30
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join("data", "astralune.db")
	}
	if cfg.Store.BackupDir == "" {
		cfg.Store.BackupDir = "backups"
	}
	if cfg.Store.BackupHours == 0 {
		cfg.Store.BackupHours = 24
	}
	if cfg.Store.BackupKeep == 0 {
		cfg.Store.BackupKeep = 7
	}
	if cfg.Supervisor.MaxRestarts <= 0 {
		cfg.Supervisor.MaxRestarts = 5
	}
	if cfg.Supervisor.WindowMinutes <= 0 {
		cfg.Supervisor.WindowMinutes = 5
	}
	if cfg.Supervisor.DelaySeconds <= 0 {
		cfg.Supervisor.DelaySeconds = 5
	}
	if cfg.Assistant.APIKeyEnv == "" {
		cfg.Assistant.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = "gpt-5-mini"
	}
	if cfg.Assistant.RequestTimeoutSeconds <= 0 {
		cfg.Assistant.RequestTimeoutSeconds = 60
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18790
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Transports.Telegram.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Transports.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
	if token := strings.TrimSpace(os.Getenv(envBridgeToken)); token != "" {
		cfg.Transports.Bridge.Token = token
	}
	if rawOwners := strings.TrimSpace(os.Getenv(envOwners)); rawOwners != "" {
		cfg.Bot.Owners = parseCSV(rawOwners)
	}
	if redisURL := strings.TrimSpace(os.Getenv(envRedisURL)); redisURL != "" {
		cfg.Stats.RedisURL = redisURL
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is ASTRALUNE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrNotFound, candidates[0], candidates[1])
}

// Seconds converts a config integer to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Minutes converts a config integer to a duration.
func Minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// Hours converts a config integer to a duration.
func Hours(n int) time.Duration {
	return time.Duration(n) * time.Hour
}
