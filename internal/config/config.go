// Package config handles deepquery configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/deepquery/config.yaml, /config/config.yaml,
// /etc/deepquery/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deepquery", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/deepquery/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// A missing config file is not fatal: the caller may fall back to Default().
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all deepquery configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Search       SearchConfig       `yaml:"search"`
	LLM          LLMConfig          `yaml:"llm"`
	Research     ResearchConfig     `yaml:"research"`
	Memory       MemoryConfig       `yaml:"memory"`
	RemoteSync   RemoteSyncConfig   `yaml:"remote_sync"`
	DataDir      string             `yaml:"data_dir"`
	PersonaFile  string             `yaml:"persona_file"`
	PrefsFile    string             `yaml:"preferences_file"`
	LogLevel     string             `yaml:"log_level"`
}

// SearchConfig configures the external web search provider.
type SearchConfig struct {
	Provider string        `yaml:"provider"` // "brave" or "searxng"
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"` // searxng instance URL
	Interval time.Duration `yaml:"interval"` // rate-limit interval between requests
}

// Configured reports whether the search provider has the credentials it needs.
func (c SearchConfig) Configured() bool {
	if c.Provider == "searxng" {
		return c.BaseURL != ""
	}
	return c.APIKey != ""
}

// LLMConfig configures the external LLM provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // "anthropic" or "ollama"
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"` // ollama URL
	Model     string `yaml:"model"`
}

// Configured reports whether the LLM provider has the credentials it needs.
func (c LLMConfig) Configured() bool {
	if c.Provider == "ollama" {
		return c.BaseURL != ""
	}
	return c.APIKey != ""
}

// ResearchConfig holds orchestrator defaults.
type ResearchConfig struct {
	DefaultDepth     int           `yaml:"default_depth"`
	DefaultBreadth   int           `yaml:"default_breadth"`
	PerQueryBudgetMs int           `yaml:"per_query_budget_ms"`
	MaxTokenBudget   int           `yaml:"max_token_budget"`
	WallClockPerStep time.Duration `yaml:"wall_clock_per_step"`
}

// MemoryConfig holds memory subsystem tuning.
type MemoryConfig struct {
	EnrichmentEnabled bool `yaml:"enrichment_enabled"`
	RecallLimit       int  `yaml:"recall_limit"`
}

// RemoteSyncConfig controls the optional remote-augmentation of memory.
type RemoteSyncConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ListenConfig defines the session protocol server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${SEARCH_API_KEY}, ${LLM_API_KEY}).
	// This is a convenience for container deployments; the recommended
	// approach is to put secrets in the environment, not the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays the well-known environment variables onto the
// config. Environment values take precedence over the file, keeping
// secrets out of config files on disk.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SEARCH_API_KEY"); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("REMOTE_SYNC_ENABLED"); v == "1" || v == "true" {
		c.RemoteSync.Enabled = true
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8099
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "share", "deepquery")
		}
	}
	if c.PersonaFile == "" {
		c.PersonaFile = "persona.json"
	}
	if c.PrefsFile == "" {
		c.PrefsFile = "preferences.json"
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "brave"
	}
	if c.Search.Interval <= 0 {
		c.Search.Interval = 10 * time.Second
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.Research.DefaultDepth == 0 {
		c.Research.DefaultDepth = 2
	}
	if c.Research.DefaultBreadth == 0 {
		c.Research.DefaultBreadth = 3
	}
	if c.Research.WallClockPerStep <= 0 {
		c.Research.WallClockPerStep = 90 * time.Second
	}
	if c.Memory.RecallLimit == 0 {
		c.Memory.RecallLimit = 10
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Research.DefaultDepth < 1 || c.Research.DefaultDepth > 6 {
		return fmt.Errorf("research.default_depth %d out of range (1-6)", c.Research.DefaultDepth)
	}
	if c.Research.DefaultBreadth < 1 || c.Research.DefaultBreadth > 6 {
		return fmt.Errorf("research.default_breadth %d out of range (1-6)", c.Research.DefaultBreadth)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with no provider credentials set.
// Suitable as a fallback when no config file is present; callers still
// need SEARCH_API_KEY/LLM_API_KEY in the environment to run a real research.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
