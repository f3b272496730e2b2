// Package config handles gatehouse configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests so FindConfig doesn't pick up
// real config files sitting on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from --config) is checked first by FindConfig. Otherwise:
// ./config.yaml, ~/.config/gatehouse/config.yaml, /config/config.yaml,
// /etc/gatehouse/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gatehouse", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // container convention
	paths = append(paths, "/etc/gatehouse/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all gatehouse configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Providers []ProviderEntry `yaml:"providers"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Autoname  AutonameConfig  `yaml:"autoname"`
	Debug     DebugConfig     `yaml:"debug"`
}

// AutonameConfig controls the dedicated model used to generate a short
// display title for a pristine sequence after its first completion.
type AutonameConfig struct {
	// ProviderLabel + Model name the backend autoname calls are sent
	// to. Empty Model disables autoname entirely.
	ProviderLabel string `yaml:"provider_label"`
	Model         string `yaml:"model"`
}

// ListenConfig defines the gateway's HTTP bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address, "" = all interfaces
	Port    int    `yaml:"port"`
}

// ProviderEntry describes one configured inference backend.
type ProviderEntry struct {
	Label   string `yaml:"label"`
	Kind    string `yaml:"kind"` // "ollama" today; reserved for future backends
	BaseURL string `yaml:"base_url"`
}

// RetrievalConfig controls the default RAG policy applied to chat requests.
type RetrievalConfig struct {
	// ForceOllamaRAG, when true, defaults every /api/chat capture to the
	// "simple" retrieval policy when the request doesn't name one
	// explicitly. Mirrors the --force-ollama-rag CLI flag.
	ForceOllamaRAG bool `yaml:"force_ollama_rag"`
	// DefaultPolicy is used when ForceOllamaRAG is false and no policy
	// is given: "skip", "simple", or "summarizing".
	DefaultPolicy string `yaml:"default_policy"`
}

// DebugConfig controls optional request/response tracing.
type DebugConfig struct {
	TraceHTTP bool `yaml:"trace_http"`
}

// Configured reports whether the provider entry has enough information
// to be dialed.
func (p ProviderEntry) Configured() bool {
	return p.Label != "" && p.BaseURL != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${GATEHOUSE_DATA_DIR}). This is
	// a convenience for container deployments; values can also be placed
	// directly in the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if len(c.Providers) == 0 {
		c.Providers = []ProviderEntry{
			{Label: "ollama", Kind: "ollama", BaseURL: "http://localhost:11434"},
		}
	}
	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = "ollama"
		}
	}
	if c.Retrieval.DefaultPolicy == "" {
		c.Retrieval.DefaultPolicy = "skip"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for _, p := range c.Providers {
		if p.Label == "" {
			return fmt.Errorf("providers: entry with kind %q is missing a label", p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%s]: base_url must not be empty", p.Label)
		}
	}
	switch c.Retrieval.DefaultPolicy {
	case "skip", "simple", "summarizing":
	default:
		return fmt.Errorf("retrieval.default_policy %q must be one of: skip, simple, summarizing", c.Retrieval.DefaultPolicy)
	}
	return nil
}

// Default returns a default configuration suitable for local development
// against a single Ollama daemon. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// KeepAliveInterval is the cadence at which the pipeline injects a
// synthetic status chunk into an otherwise-silent stream.
const KeepAliveInterval = 3 * time.Second
