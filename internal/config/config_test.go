package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	def := Default()
	if cfg.Chat.Port != def.Chat.Port {
		t.Errorf("Expected default port %d, got %d", def.Chat.Port, cfg.Chat.Port)
	}
	if !cfg.Discovery.Enabled {
		t.Error("Expected discovery enabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Logging.Level)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Identity.Name = "alice"
	cfg.Chat.Port = 9000
	cfg.Chat.MaxPayloadMB = 10
	cfg.Discovery.Enabled = false
	cfg.Discovery.ManualPeers = []string{"10.0.0.5:7645", "10.0.0.6:7645"}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if loaded.Identity.Name != "alice" {
		t.Errorf("Expected name alice, got %s", loaded.Identity.Name)
	}
	if loaded.Chat.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", loaded.Chat.Port)
	}
	if loaded.Chat.MaxPayloadMB != 10 {
		t.Errorf("Expected max payload 10, got %d", loaded.Chat.MaxPayloadMB)
	}
	if loaded.Discovery.Enabled {
		t.Error("Expected discovery disabled")
	}
	if len(loaded.Discovery.ManualPeers) != 2 || loaded.Discovery.ManualPeers[0] != "10.0.0.5:7645" {
		t.Errorf("Expected manual peers to survive the round trip, got %v", loaded.Discovery.ManualPeers)
	}
}

func TestLoadFromPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	partial := "[identity]\nname = \"bob\"\n"
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Identity.Name != "bob" {
		t.Errorf("Expected name bob, got %s", cfg.Identity.Name)
	}
	if cfg.Chat.Port != Default().Chat.Port {
		t.Errorf("Expected default port, got %d", cfg.Chat.Port)
	}
}

func TestLoadFromRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("Expected parse error for malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"port zero", func(c *Config) { c.Chat.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Chat.Port = 70000 }, true},
		{"payload zero", func(c *Config) { c.Chat.MaxPayloadMB = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LANCHAT_CONFIG_DIR", dir)

	paths, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths failed: %v", err)
	}
	if paths.ConfigDir != dir {
		t.Errorf("Expected config dir %s, got %s", dir, paths.ConfigDir)
	}
	if paths.ConfigFile != filepath.Join(dir, "config.toml") {
		t.Errorf("Unexpected config file path %s", paths.ConfigFile)
	}

	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	if _, err := os.Stat(paths.MediaDir); err != nil {
		t.Errorf("Expected media dir created: %v", err)
	}
}

func TestMaxPayloadBytes(t *testing.T) {
	cfg := Default()
	cfg.Chat.MaxPayloadMB = 2
	if got := cfg.MaxPayloadBytes(); got != 2*1024*1024 {
		t.Errorf("Expected %d, got %d", 2*1024*1024, got)
	}
}
