package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"metamorph/internal/fsutil"
)

type Config struct {
	Store  StoreConfig  `json:"store"`
	Model  ModelConfig  `json:"model"`
	Loop   LoopConfig   `json:"loop"`
	Quota  QuotaConfig  `json:"quota"`
	Server ServerConfig `json:"server"`
	Audit  AuditConfig  `json:"audit"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

type ModelConfig struct {
	BaseURL     string  `json:"base_url"`
	Name        string  `json:"name"`
	APIKey      string  `json:"api_key,omitempty"`
	APIKeyEnv   string  `json:"api_key_env,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type LoopConfig struct {
	IterationCap        int `json:"iteration_cap"`
	CompactAtMessages   int `json:"compact_at_messages"`
	CompactAtTokens     int `json:"compact_at_tokens"`
	HardTokenCeiling    int `json:"hard_token_ceiling"`
	KeepRecentMessages  int `json:"keep_recent_messages"`
	SummaryWordLimit    int `json:"summary_word_limit"`
	ModelFailureRetries int `json:"model_failure_retries"`
}

type QuotaConfig struct {
	Enabled          bool `json:"enabled"`
	ModelCallsPerMin int  `json:"model_calls_per_min,omitempty"`
	ToolCallsPerMin  int  `json:"tool_calls_per_min,omitempty"`
}

type ServerConfig struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
	BearerToken string `json:"bearer_token,omitempty"`
}

type AuditConfig struct {
	Path string `json:"path"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Path: ".metamorph/codestore.db",
		},
		Model: ModelConfig{
			BaseURL:     "https://api.openai.com/v1",
			Name:        "gpt-4.1",
			APIKeyEnv:   "METAMORPH_API_KEY",
			Temperature: 0.2,
		},
		Loop: LoopConfig{
			IterationCap:        50,
			CompactAtMessages:   40,
			CompactAtTokens:     12000,
			HardTokenCeiling:    15000,
			KeepRecentMessages:  5,
			SummaryWordLimit:    500,
			ModelFailureRetries: 1,
		},
		Quota: QuotaConfig{
			Enabled:          false,
			ModelCallsPerMin: 30,
			ToolCallsPerMin:  120,
		},
		Server: ServerConfig{
			BindAddress: "127.0.0.1",
			Port:        8377,
		},
		Audit: AuditConfig{
			Path: ".metamorph/audit/events.jsonl",
		},
	}
}

func (c *Config) ApplyDefaults() {
	d := Default()
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = d.Store.Path
	}
	if strings.TrimSpace(c.Model.BaseURL) == "" {
		c.Model.BaseURL = d.Model.BaseURL
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.APIKey == "" && c.Model.APIKeyEnv == "" {
		c.Model.APIKeyEnv = d.Model.APIKeyEnv
	}
	if c.Loop.IterationCap == 0 {
		c.Loop.IterationCap = d.Loop.IterationCap
	}
	if c.Loop.CompactAtMessages == 0 {
		c.Loop.CompactAtMessages = d.Loop.CompactAtMessages
	}
	if c.Loop.CompactAtTokens == 0 {
		c.Loop.CompactAtTokens = d.Loop.CompactAtTokens
	}
	if c.Loop.HardTokenCeiling == 0 {
		c.Loop.HardTokenCeiling = d.Loop.HardTokenCeiling
	}
	if c.Loop.KeepRecentMessages == 0 {
		c.Loop.KeepRecentMessages = d.Loop.KeepRecentMessages
	}
	if c.Loop.SummaryWordLimit == 0 {
		c.Loop.SummaryWordLimit = d.Loop.SummaryWordLimit
	}
	if c.Loop.ModelFailureRetries == 0 {
		c.Loop.ModelFailureRetries = d.Loop.ModelFailureRetries
	}
	if c.Quota.ModelCallsPerMin == 0 {
		c.Quota.ModelCallsPerMin = d.Quota.ModelCallsPerMin
	}
	if c.Quota.ToolCallsPerMin == 0 {
		c.Quota.ToolCallsPerMin = d.Quota.ToolCallsPerMin
	}
	if strings.TrimSpace(c.Server.BindAddress) == "" {
		c.Server.BindAddress = d.Server.BindAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if strings.TrimSpace(c.Audit.Path) == "" {
		c.Audit.Path = d.Audit.Path
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if strings.TrimSpace(c.Model.BaseURL) == "" {
		return errors.New("model.base_url is required")
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return errors.New("model.name is required")
	}
	if c.Loop.IterationCap < 1 {
		return fmt.Errorf("loop.iteration_cap must be >= 1, got %d", c.Loop.IterationCap)
	}
	if c.Loop.KeepRecentMessages < 1 {
		return fmt.Errorf("loop.keep_recent_messages must be >= 1, got %d", c.Loop.KeepRecentMessages)
	}
	if c.Loop.CompactAtTokens >= c.Loop.HardTokenCeiling {
		return fmt.Errorf("loop.compact_at_tokens (%d) must be below loop.hard_token_ceiling (%d)",
			c.Loop.CompactAtTokens, c.Loop.HardTokenCeiling)
	}
	if c.Quota.Enabled {
		if c.Quota.ModelCallsPerMin < 1 {
			return errors.New("quota.model_calls_per_min must be >= 1 when quota is enabled")
		}
		if c.Quota.ToolCallsPerMin < 1 {
			return errors.New("quota.tool_calls_per_min must be >= 1 when quota is enabled")
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	host := strings.TrimSpace(c.Server.BindAddress)
	if host == "" {
		return errors.New("server.bind_address is required")
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("server.bind_address must be an IP address: %q", host)
	}
	if strings.TrimSpace(c.Audit.Path) == "" {
		return errors.New("audit.path is required")
	}
	return nil
}

// APIKeyValue resolves the model API key from the literal value first,
// then the configured environment variable.
func (c Config) APIKeyValue() string {
	if key := strings.TrimSpace(c.Model.APIKey); key != "" {
		return key
	}
	if env := strings.TrimSpace(c.Model.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	buf = append(buf, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf, 0o600)
}
