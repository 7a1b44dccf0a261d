// Package config loads and validates the crucible service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/crucible/internal/compute"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the complete crucible configuration.
type Config struct {
	Service ServiceConfig  `yaml:"service"`
	Data    DataConfig     `yaml:"data"`
	Compute compute.Config `yaml:"compute"`
	Catalog CatalogConfig  `yaml:"catalog"`
	API     APIConfig      `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DataConfig defines where session state lives on disk.
type DataConfig struct {
	// Dir is the data root; sessions live under <dir>/sessions, the
	// execution history database at <dir>/crucible.db.
	Dir string `yaml:"dir"`
}

// CatalogConfig points at the directory of system reference entries.
type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// SessionsDir returns the session store root under the data dir.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Data.Dir, "sessions")
}

// DatabasePath returns the execution history database path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.Dir, "crucible.db")
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "crucible",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Data:    DataConfig{Dir: "./data"},
		Compute: compute.Config{},
		Catalog: CatalogConfig{Dir: "./catalog"},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8450",
		},
	}
}

// Load reads, env-expands and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	raw = expandEnv(raw)

	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	switch cfg.Service.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level %q is not one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	if cfg.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if cfg.Catalog.Dir == "" {
		return fmt.Errorf("catalog.dir is required")
	}
	if err := cfg.Compute.Validate(); err != nil {
		return err
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}
