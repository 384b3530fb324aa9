package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config represents hub configuration
type Config struct {
	ListenAddr             string `json:"listen_addr"`
	DataDir                string `json:"data_dir"`
	DatabasePath           string `json:"database_path,omitempty"`  // defaults to <data_dir>/aardvark.db
	InstallDir             string `json:"install_dir,omitempty"`    // target of http(s)://aardvark.install URIs
	FirstEndpointID        int    `json:"first_endpoint_id"`        // ids are handed out upwards from here
	MaxMessageBytes        int64  `json:"max_message_bytes"`        // read limit per websocket message
	ManifestTimeoutSeconds int    `json:"manifest_timeout_seconds"` // per manifest fetch
	CacheManifests         bool   `json:"cache_manifests"`          // cache file manifests until they change on disk
	LogLevel               string `json:"log_level"`                // debug, info, warn, error, none
	LogPath                string `json:"log_path,omitempty"`       // "-" for stderr
	PidFile                string `json:"pid_file,omitempty"`
	Profiling              bool   `json:"profiling,omitempty"` // serve /debug/pprof/ next to the hub
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "aardvark")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "aardvark")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "aardvark")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "aardvark")
	}
}

func defaultInstallDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	dataDir := defaultDataDir()

	return &Config{
		ListenAddr:             ":8999",
		DataDir:                dataDir,
		DatabasePath:           filepath.Join(dataDir, "aardvark.db"),
		InstallDir:             defaultInstallDir(),
		FirstEndpointID:        27,
		MaxMessageBytes:        4 << 20,
		ManifestTimeoutSeconds: 10,
		CacheManifests:         true,
		LogLevel:               "info",
		LogPath:                "-",
		PidFile:                filepath.Join(dataDir, "aardvark-hub.pid"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields).
	// Paths under the data dir are derived after decoding so they follow
	// a data_dir set in the file.
	config.DatabasePath = ""
	config.PidFile = ""
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "aardvark.db")
	}
	if c.PidFile == "" {
		c.PidFile = filepath.Join(c.DataDir, "aardvark-hub.pid")
	}
	if c.InstallDir == "" {
		c.InstallDir = defaults.InstallDir
	}
	if c.FirstEndpointID <= 0 {
		c.FirstEndpointID = defaults.FirstEndpointID
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if c.ManifestTimeoutSeconds <= 0 {
		c.ManifestTimeoutSeconds = defaults.ManifestTimeoutSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
}

// ManifestTimeout returns the per-fetch manifest timeout
func (c *Config) ManifestTimeout() time.Duration {
	return time.Duration(c.ManifestTimeoutSeconds) * time.Second
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, "aardvark", "hub.json")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "aardvark", "hub.json")
}
