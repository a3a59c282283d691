package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	DefaultPort           = 8017
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultModel          = "claude-sonnet-4-20250514"
	DefaultMaxTokens      = 4096
)

// Upstream tunes the relay engine.
type Upstream struct {
	Endpoint         string `json:"endpoint,omitempty"`
	DefaultMaxTokens int    `json:"default_max_tokens,omitempty"`
}

// Credentials carries operator-supplied credential overrides and the path
// of the durable credential file. All fields are optional; the credential
// store falls back through its source chain when they are absent.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	File         string `json:"file,omitempty"`
}

type Config struct {
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	ModelAliases map[string]string `json:"model_aliases,omitempty"`
	Upstream     Upstream          `json:"upstream"`
	Credentials  Credentials       `json:"credentials"`
}

// ResolveModel maps a caller-facing model name onto the upstream
// identifier. Unmapped names pass through unchanged; an empty name gets the
// default model.
func (c *Config) ResolveModel(name string) string {
	if mapped, ok := c.ModelAliases[name]; ok {
		return mapped
	}

	if name == "" {
		return DefaultModel
	}

	return name
}

// AliasNames returns the caller-facing model names, for the model listing
// endpoint.
func (c *Config) AliasNames() []string {
	names := make([]string, 0, len(c.ModelAliases))
	for name := range c.ModelAliases {
		names = append(names, name)
	}

	return names
}

func defaultAliases() map[string]string {
	return map[string]string{
		"gpt-4o":      DefaultModel,
		"gpt-4o-mini": "claude-3-5-haiku-20241022",
		"gpt-4-turbo": "claude-opus-4-20250514",
	}
}

type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		applyDefaults(cfg)
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ModelAliases == nil {
		cfg.ModelAliases = defaultAliases()
	}
	if cfg.Upstream.DefaultMaxTokens == 0 {
		cfg.Upstream.DefaultMaxTokens = DefaultMaxTokens
	}
}
