package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the lanchat configuration file
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Chat      ChatConfig      `toml:"chat"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Logging   LoggingConfig   `toml:"logging"`
}

// IdentityConfig contains identity-related settings
type IdentityConfig struct {
	Name string `toml:"name"`
}

// ChatConfig contains transport settings
type ChatConfig struct {
	Port         int    `toml:"port"`
	MaxPayloadMB int    `toml:"max_payload_mb"`
	MediaDir     string `toml:"media_dir"` // where received media is written; empty disables saving
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	Enabled     bool     `toml:"enabled"`
	ManualPeers []string `toml:"manual_peers"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			Name: "",
		},
		Chat: ChatConfig{
			Port:         7645,
			MaxPayloadMB: 50,
			MediaDir:     "",
		},
		Discovery: DiscoveryConfig{
			Enabled:     true,
			ManualPeers: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chat.Port < 1 || c.Chat.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Chat.Port)
	}

	if c.Chat.MaxPayloadMB < 1 {
		return fmt.Errorf("invalid max payload: %d MB", c.Chat.MaxPayloadMB)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// MaxPayloadBytes converts the configured megabyte cap to bytes
func (c *Config) MaxPayloadBytes() int {
	return c.Chat.MaxPayloadMB * 1024 * 1024
}
