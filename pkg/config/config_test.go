package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  // comments are allowed
	  "bot": {"name": "night-shift", "prefixes": ["!"], "owners": ["628111@s.whatsapp.net"]},
	  "transports": {
	    "bridge": {"enabled": true, "url": "ws://127.0.0.1:3001"},
	    "telegram": {"enabled": false},
	  },
	  "stats": {"backend": "redis", "redis_url": "redis://127.0.0.1:6379/0"},
	  "gateway": {"host": "0.0.0.0", "port": 18790},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv(envConfigPath, path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Bot.Name != "night-shift" {
		t.Fatalf("bot.name = %q, want %q", cfg.Bot.Name, "night-shift")
	}
	if len(cfg.Bot.Prefixes) != 1 || cfg.Bot.Prefixes[0] != "!" {
		t.Fatalf("bot.prefixes = %v, want [!]", cfg.Bot.Prefixes)
	}
	if !cfg.Transports.Bridge.Enabled || cfg.Transports.Bridge.URL != "ws://127.0.0.1:3001" {
		t.Fatalf("bridge = %+v", cfg.Transports.Bridge)
	}
	if cfg.Transports.Bridge.ReconnectSeconds != 5 {
		t.Fatalf("bridge.reconnect_seconds = %d, want default 5", cfg.Transports.Bridge.ReconnectSeconds)
	}
	if cfg.Stats.Backend != "redis" {
		t.Fatalf("stats.backend = %q, want redis", cfg.Stats.Backend)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" || !cfg.Logging.AddSource {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigNotFoundInWorkingDirectory(t *testing.T) {
	t.Setenv(envConfigPath, "")
	t.Chdir(t.TempDir())

	_, err := LoadConfig()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestLoadConfigFallsBackToConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config.json"), []byte(`{"plugins": {"dir": "mods"}}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv(envConfigPath, "")
	t.Chdir(dir)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Plugins.Dir != "mods" {
		t.Fatalf("plugins.dir = %q, want mods", cfg.Plugins.Dir)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if got := Seconds(cfg.Notices.RefusalSeconds); got != 5*time.Second {
		t.Fatalf("refusal notice ttl = %s, want 5s", got)
	}
	if got := Seconds(cfg.Notices.ErrorSeconds); got != 10*time.Second {
		t.Fatalf("error notice ttl = %s, want 10s", got)
	}
	if got := Minutes(cfg.Supervisor.WindowMinutes); got != 5*time.Minute {
		t.Fatalf("restart window = %s, want 5m", got)
	}
	if cfg.Supervisor.MaxRestarts != 5 {
		t.Fatalf("max restarts = %d, want 5", cfg.Supervisor.MaxRestarts)
	}
	if !cfg.Supervisor.Enabled {
		t.Fatal("expected automatic restarts enabled by default")
	}
	if got := Hours(cfg.Plugins.RefreshHours); got != 12*time.Hour {
		t.Fatalf("plugin refresh = %s, want 12h", got)
	}
	if len(cfg.Bot.Prefixes) != 4 {
		t.Fatalf("prefixes = %v, want 4 defaults", cfg.Bot.Prefixes)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transports": {"telegram": {"token": "from-file"}}}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv(envTelegramBotToken, "from-env")
	t.Setenv(envOwners, " 628111@s.whatsapp.net, ,628222@s.whatsapp.net ")
	t.Setenv(envBridgeToken, "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Transports.Telegram.Token != "from-env" {
		t.Fatalf("telegram token = %q, want from-env", cfg.Transports.Telegram.Token)
	}
	if len(cfg.Bot.Owners) != 2 || cfg.Bot.Owners[1] != "628222@s.whatsapp.net" {
		t.Fatalf("owners = %v", cfg.Bot.Owners)
	}
	if cfg.Transports.Bridge.Token != "secret" {
		t.Fatalf("bridge token = %q, want secret", cfg.Transports.Bridge.Token)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"bot": `), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	t.Setenv(envBridgeToken, "secret")

	cfg, err := LoadOrDefault()
	if err != nil {
		t.Fatalf("LoadOrDefault error: %v", err)
	}
	if cfg.Transports.Bridge.Token != "secret" {
		t.Fatalf("bridge token = %q, want env override", cfg.Transports.Bridge.Token)
	}
	if cfg.Gateway.Port != 18790 {
		t.Fatalf("gateway.port = %d, want 18790", cfg.Gateway.Port)
	}
}
