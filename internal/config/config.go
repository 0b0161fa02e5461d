// Package config loads the service configuration: defaults, then an optional
// .env file, then an optional TOML file, then environment variables. The
// environment always wins.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/nevindra/slackseek"
)

type Config struct {
	Chat     ChatConfig     `toml:"chat"`
	LLM      LLMConfig      `toml:"llm"`
	Embed    EmbedConfig    `toml:"embedding"`
	Vector   VectorConfig   `toml:"vector"`
	Ingest   IngestConfig   `toml:"ingest"`
	Server   ServerConfig   `toml:"server"`
	Observer ObserverConfig `toml:"observer"`
}

type ChatConfig struct {
	BotToken      string   `toml:"bot_token"`
	Channels      []string `toml:"channels"`
	RatePerMinute int      `toml:"rate_limit_per_minute"`
	Workspace     string   `toml:"workspace"`
}

type LLMConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
}

type EmbedConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type VectorConfig struct {
	APIKey    string `toml:"api_key"`
	IndexName string `toml:"index_name"`
	LocalPath string `toml:"local_path"`
}

type IngestConfig struct {
	RefreshIntervalHours int    `toml:"refresh_interval_hours"`
	ChunkSize            int    `toml:"chunk_size"`
	ChunkOverlap         int    `toml:"chunk_overlap"`
	StatePath            string `toml:"state_path"`
	WebhookURL           string `toml:"webhook_url"`
}

type ServerConfig struct {
	ListenAddr    string   `toml:"listen_addr"`
	APIKey        string   `toml:"api_key"`
	WhitelistKeys []string `toml:"whitelist_keys"`
	CORSOrigins   []string `toml:"cors_origins"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Chat:   ChatConfig{RatePerMinute: 50},
		LLM:    LLMConfig{Model: "gpt-4o-mini"},
		Embed:  EmbedConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Vector: VectorConfig{IndexName: "messages", LocalPath: "data/vectors.ndjson"},
		Ingest: IngestConfig{
			RefreshIntervalHours: 1,
			ChunkSize:            8000,
			ChunkOverlap:         200,
			StatePath:            "data/ingest-state.json",
		},
		Server: ServerConfig{ListenAddr: ":8080"},
	}
}

// Load reads config: defaults -> .env -> TOML file -> env vars (env wins).
// The .env and TOML files are both optional.
func Load(path string) Config {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = "slackseek.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CHAT_BOT_TOKEN"); v != "" {
		cfg.Chat.BotToken = v
	}
	if v := os.Getenv("CHAT_CHANNELS"); v != "" {
		cfg.Chat.Channels = splitList(v)
	}
	if v := os.Getenv("CHAT_WORKSPACE"); v != "" {
		cfg.Chat.Workspace = v
	}
	if n, ok := intEnv("CHAT_RATE_LIMIT_PER_MINUTE"); ok {
		cfg.Chat.RatePerMinute = n
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("EMBED_API_KEY"); v != "" {
		cfg.Embed.APIKey = v
	}
	if v := os.Getenv("EMBED_MODEL"); v != "" {
		cfg.Embed.Model = v
	}
	if v := os.Getenv("VECTOR_API_KEY"); v != "" {
		cfg.Vector.APIKey = v
	}
	if v := os.Getenv("VECTOR_INDEX_NAME"); v != "" {
		cfg.Vector.IndexName = v
	}
	if v := os.Getenv("VECTOR_LOCAL_PATH"); v != "" {
		cfg.Vector.LocalPath = v
	}
	if n, ok := intEnv("REFRESH_INTERVAL_HOURS"); ok {
		cfg.Ingest.RefreshIntervalHours = n
	}
	if n, ok := intEnv("CHUNK_SIZE"); ok {
		cfg.Ingest.ChunkSize = n
	}
	if n, ok := intEnv("CHUNK_OVERLAP"); ok {
		cfg.Ingest.ChunkOverlap = n
	}
	if v := os.Getenv("INGEST_STATE_PATH"); v != "" {
		cfg.Ingest.StatePath = v
	}
	if v := os.Getenv("INGEST_WEBHOOK_URL"); v != "" {
		cfg.Ingest.WebhookURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("WHITELIST_KEYS"); v != "" {
		cfg.Server.WhitelistKeys = splitList(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// The LLM enhancer shares the embedding key unless one is set explicitly.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = cfg.Embed.APIKey
	}

	return cfg
}

// Keys merges the single api_key with the whitelist, deduplicated, keeping
// order.
func (c ServerConfig) Keys() []string {
	seen := map[string]bool{}
	var keys []string
	for _, k := range append([]string{c.APIKey}, c.WhitelistKeys...) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// Validate checks that the loaded config can actually run the service.
func (c Config) Validate() error {
	if c.Chat.BotToken == "" {
		return slackseek.Errorf(slackseek.KindConfig, "CHAT_BOT_TOKEN is required")
	}
	if len(c.Chat.Channels) == 0 {
		return slackseek.Errorf(slackseek.KindConfig, "CHAT_CHANNELS must name at least one channel")
	}
	if c.Embed.APIKey == "" {
		return slackseek.Errorf(slackseek.KindConfig, "EMBED_API_KEY is required")
	}
	if c.Embed.Dimensions <= 0 {
		return slackseek.Errorf(slackseek.KindConfig, "embedding dimensions must be positive, got %d", c.Embed.Dimensions)
	}
	if c.Ingest.RefreshIntervalHours <= 0 {
		return slackseek.Errorf(slackseek.KindConfig, "refresh interval must be positive, got %d", c.Ingest.RefreshIntervalHours)
	}
	if c.Ingest.ChunkSize <= 0 {
		return slackseek.Errorf(slackseek.KindConfig, "chunk size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return slackseek.Errorf(slackseek.KindConfig, "chunk overlap %d must be below chunk size %d", c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
