package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for lanchat
type Paths struct {
	ConfigDir string // ~/.config/lanchat or equivalent
	MediaDir  string // ~/.config/lanchat/media (received images and videos)

	ConfigFile string // ~/.config/lanchat/config.toml
}

// GetPaths returns platform-specific paths for lanchat
func GetPaths() (*Paths, error) {
	var configDir string

	// Allow override via environment variable (useful for testing multiple instances)
	if envConfigDir := os.Getenv("LANCHAT_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
	} else {
		switch runtime.GOOS {
		case "linux", "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "lanchat")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "lanchat")

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return &Paths{
		ConfigDir:  configDir,
		MediaDir:   filepath.Join(configDir, "media"),
		ConfigFile: filepath.Join(configDir, "config.toml"),
	}, nil
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.MediaDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
