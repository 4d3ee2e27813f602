package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the mcpgate configuration directory relative to
	// the user's home directory.
	DefaultConfigDir = ".config/mcpgate"

	// configFileName is the main configuration file name.
	configFileName = "config.yaml"
)

// Config is the top-level configuration structure for mcpgate.
type Config struct {
	// Server is the remote MCP server configuration.
	Server ServerConfig `yaml:"server"`

	// Callback configures the local OAuth redirect listener.
	Callback CallbackConfig `yaml:"callback,omitempty"`

	// CredentialDir overrides the credential storage directory.
	CredentialDir string `yaml:"credentialDir,omitempty"`

	// Client carries optional static OAuth client metadata overrides.
	Client *ClientConfig `yaml:"client,omitempty"`
}

// ServerConfig identifies the remote server mcpgate proxies to.
type ServerConfig struct {
	// URL is the remote MCP server endpoint.
	URL string `yaml:"url"`
}

// CallbackConfig configures the local OAuth callback listener.
type CallbackConfig struct {
	Host string `yaml:"host,omitempty"` // default: localhost
	Port int    `yaml:"port,omitempty"` // default: 3000
	Path string `yaml:"path,omitempty"` // default: /callback
}

// ClientConfig carries static OAuth client metadata. Any non-empty field
// overrides the computed default; a non-empty Scope pins the requested
// authorization scope and disables scope extraction from registration
// responses.
type ClientConfig struct {
	Name  string `yaml:"name,omitempty"`
	URI   string `yaml:"uri,omitempty"`
	Scope string `yaml:"scope,omitempty"`
}

// DefaultConfigPath returns the default path of the mcpgate config
// directory.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultConfigDir), nil
}

// Load reads the configuration from the given directory. A missing
// config.yaml is not an error; defaults are returned so mcpgate works
// with nothing but an --endpoint flag.
func Load(configPath string) (*Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("No config.yaml found, using defaults",
				"path", configFilePath,
			)
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", configFilePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configFilePath, err)
	}

	return &cfg, nil
}

// Save writes the configuration to the given directory, creating it if
// needed.
func Save(configPath string, cfg *Config) error {
	if err := os.MkdirAll(configPath, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configFilePath := filepath.Join(configPath, configFileName)
	if err := os.WriteFile(configFilePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", configFilePath, err)
	}

	return nil
}
