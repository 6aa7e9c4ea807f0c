package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reviewloop.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[database]
url = "postgres://localhost/reviewloop"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Runs.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d", cfg.Runs.MaxAttempts)
	}
	if cfg.ReviewerTimeout() != 600*time.Second {
		t.Fatalf("reviewer timeout = %v", cfg.ReviewerTimeout())
	}
	// Retention must stay past the provider's redelivery window; two weeks
	// covers it with margin.
	if cfg.EventRetention() != 336*time.Hour {
		t.Fatalf("retention = %v", cfg.EventRetention())
	}
}

func TestLoadConfigFileValues(t *testing.T) {
	path := writeTempConfig(t, `
[server]
listen = ":9999"

[github]
app_id = 12345
webhook_secret = "s3cret"
bot_login = "reviewloop[bot]"

[reviewer]
backend = "command"
command = "/usr/local/bin/reviewer"
timeout_seconds = 120
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":9999" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
	if cfg.GitHub.AppID != 12345 {
		t.Fatalf("app_id = %d", cfg.GitHub.AppID)
	}
	if cfg.Reviewer.Backend != "command" || cfg.Reviewer.Command != "/usr/local/bin/reviewer" {
		t.Fatalf("reviewer = %+v", cfg.Reviewer)
	}
	if cfg.ReviewerTimeout() != 2*time.Minute {
		t.Fatalf("timeout = %v", cfg.ReviewerTimeout())
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
[database]
url = "postgres://file-value/db"
`)
	t.Setenv("REVIEWLOOP_DATABASE_URL", "postgres://env-value/db")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://env-value/db" {
		t.Fatalf("url = %q, env override lost", cfg.Database.URL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Database.URL = "postgres://localhost/reviewloop"
		cfg.GitHub.AppID = 1
		cfg.GitHub.PrivateKeyPath = "key.pem"
		cfg.GitHub.WebhookSecret = "s3cret"
		cfg.Reviewer.Backend = "llm"
		cfg.Reviewer.LLM.Provider = "openai"
		cfg.Reviewer.LLM.APIKey = "sk-test"
		cfg.Runs.MaxAttempts = 3
		return cfg
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"missing webhook secret", func(c *Config) { c.GitHub.WebhookSecret = "" }},
		{"missing app id", func(c *Config) { c.GitHub.AppID = 0 }},
		{"unknown backend", func(c *Config) { c.Reviewer.Backend = "carrier-pigeon" }},
		{"command backend without command", func(c *Config) { c.Reviewer.Backend = "command"; c.Reviewer.Command = "" }},
		{"llm without api key", func(c *Config) { c.Reviewer.LLM.APIKey = "" }},
		{"zero attempts", func(c *Config) { c.Runs.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		cfg := valid()
		tc.mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	// Ollama runs locally and needs no key.
	cfg := valid()
	cfg.Reviewer.LLM.Provider = "ollama"
	cfg.Reviewer.LLM.APIKey = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("ollama without key rejected: %v", err)
	}
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := writeTempConfig(t, "# existing\n")
	if err := InitConfig(path); err == nil {
		t.Fatal("expected error for existing file")
	}

	fresh := filepath.Join(t.TempDir(), "new.toml")
	if err := InitConfig(fresh); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(fresh)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GitHub.BotLogin != "reviewloop[bot]" {
		t.Fatalf("sample bot_login = %q", cfg.GitHub.BotLogin)
	}
}
