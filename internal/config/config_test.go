package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Vector.IndexName != "messages" {
		t.Errorf("index name = %q, want messages", cfg.Vector.IndexName)
	}
	if cfg.Ingest.RefreshIntervalHours != 1 {
		t.Errorf("refresh interval = %d, want 1", cfg.Ingest.RefreshIntervalHours)
	}
	if cfg.Embed.Dimensions != 1536 {
		t.Errorf("dimensions = %d, want 1536", cfg.Embed.Dimensions)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want :8080", cfg.Server.ListenAddr)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slackseek.toml")
	data := `
[chat]
bot_token = "xoxb-from-toml"
channels = ["eng", "general"]

[vector]
index_name = "custom-index"

[ingest]
refresh_interval_hours = 6
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Chat.BotToken != "xoxb-from-toml" {
		t.Errorf("bot token = %q", cfg.Chat.BotToken)
	}
	if len(cfg.Chat.Channels) != 2 || cfg.Chat.Channels[0] != "eng" {
		t.Errorf("channels = %v", cfg.Chat.Channels)
	}
	if cfg.Vector.IndexName != "custom-index" {
		t.Errorf("index name = %q", cfg.Vector.IndexName)
	}
	if cfg.Ingest.RefreshIntervalHours != 6 {
		t.Errorf("refresh interval = %d", cfg.Ingest.RefreshIntervalHours)
	}
	// Untouched sections keep defaults.
	if cfg.Embed.Model != "text-embedding-3-small" {
		t.Errorf("embed model = %q", cfg.Embed.Model)
	}
}

func TestEnvOverridesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slackseek.toml")
	if err := os.WriteFile(path, []byte("[chat]\nbot_token = \"from-toml\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHAT_BOT_TOKEN", "xoxb-from-env")
	t.Setenv("CHAT_CHANNELS", "eng, ops ,design")
	t.Setenv("REFRESH_INTERVAL_HOURS", "12")
	t.Setenv("VECTOR_API_KEY", "pc-key")

	cfg := Load(path)
	if cfg.Chat.BotToken != "xoxb-from-env" {
		t.Errorf("bot token = %q, want env value", cfg.Chat.BotToken)
	}
	want := []string{"eng", "ops", "design"}
	if len(cfg.Chat.Channels) != 3 {
		t.Fatalf("channels = %v, want %v", cfg.Chat.Channels, want)
	}
	for i, ch := range want {
		if cfg.Chat.Channels[i] != ch {
			t.Errorf("channels[%d] = %q, want %q", i, cfg.Chat.Channels[i], ch)
		}
	}
	if cfg.Ingest.RefreshIntervalHours != 12 {
		t.Errorf("refresh interval = %d, want 12", cfg.Ingest.RefreshIntervalHours)
	}
	if cfg.Vector.APIKey != "pc-key" {
		t.Errorf("vector api key = %q", cfg.Vector.APIKey)
	}
}

func TestLLMKeyFallsBackToEmbedKey(t *testing.T) {
	t.Setenv("EMBED_API_KEY", "sk-shared")
	t.Setenv("LLM_API_KEY", "")

	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.LLM.APIKey != "sk-shared" {
		t.Errorf("llm api key = %q, want the embedding key", cfg.LLM.APIKey)
	}
}

func TestServerKeysMerged(t *testing.T) {
	sc := ServerConfig{
		APIKey:        "mcp_key_aaa",
		WhitelistKeys: []string{"mcp_key_bbb", " mcp_key_aaa ", "", "mcp_key_ccc"},
	}
	got := sc.Keys()
	want := []string{"mcp_key_aaa", "mcp_key_bbb", "mcp_key_ccc"}
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Chat.BotToken = "xoxb-token"
	valid.Chat.Channels = []string{"eng"}
	valid.Embed.APIKey = "sk-key"

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing bot token", func(c *Config) { c.Chat.BotToken = "" }},
		{"no channels", func(c *Config) { c.Chat.Channels = nil }},
		{"missing embed key", func(c *Config) { c.Embed.APIKey = "" }},
		{"zero dimensions", func(c *Config) { c.Embed.Dimensions = 0 }},
		{"zero refresh interval", func(c *Config) { c.Ingest.RefreshIntervalHours = 0 }},
		{"overlap at chunk size", func(c *Config) { c.Ingest.ChunkOverlap = c.Ingest.ChunkSize }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
