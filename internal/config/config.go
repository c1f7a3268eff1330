package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models relabel.yml.
type Config struct {
	Data struct {
		ImageDir string `yaml:"image_dir"`
		CSVFile  string `yaml:"csv_file"`
	} `yaml:"data"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
}

// Default returns the baseline config for a fresh workspace.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8484"
	cfg.Server.BasePath = "/v0"
	cfg.Auth.TokenTTLMinutes = 480
	return cfg
}

// Path returns the config file location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".relabel", "relabel.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists yet.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config file into the workspace.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must be positive")
	}
	return nil
}
