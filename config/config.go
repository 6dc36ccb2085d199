package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "screenlink"
	// DefaultAPIAddress is the local control surface bind address.
	DefaultAPIAddress = "127.0.0.1:8099"
	// DefaultListenAddress is the hosting listener bind address.
	DefaultListenAddress = ":9777"
	// DefaultFrameQuality is the JPEG quality for pushed screen frames.
	DefaultFrameQuality = 75
	// DefaultFrameIntervalMillis paces the hosting-side push loop.
	DefaultFrameIntervalMillis = 100
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID            string `json:"device_id"`
	DeviceName          string `json:"device_name"`
	APIAddress          string `json:"api_address"`
	ListenAddress       string `json:"listen_address"`
	FrameQuality        int    `json:"frame_quality"`
	FrameIntervalMillis int    `json:"frame_interval_millis"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SCREENLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SCREENLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// LoadOrCreate loads the device config, creating it with generated values
// on first run. Missing fields in an existing config are filled in and the
// file is rewritten.
func LoadOrCreate() (DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return DeviceConfig{}, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return DeviceConfig{}, "", fmt.Errorf("create data dir: %w", err)
	}

	path := ConfigPath(dataDir)
	cfg, err := load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return DeviceConfig{}, "", err
	}

	changed := applyDefaults(&cfg)
	if changed {
		if err := Save(path, cfg); err != nil {
			return DeviceConfig{}, "", err
		}
	}
	return cfg, path, nil
}

// Save writes the config file with restrictive permissions.
func Save(path string, cfg DeviceConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func load(path string) (DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DeviceConfig{}, err
	}
	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DeviceConfig{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *DeviceConfig) bool {
	changed := false
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		changed = true
	}
	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "screenlink-device"
		}
		cfg.DeviceName = hostname
		changed = true
	}
	if cfg.APIAddress == "" {
		cfg.APIAddress = DefaultAPIAddress
		changed = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		changed = true
	}
	if cfg.FrameQuality <= 0 {
		cfg.FrameQuality = DefaultFrameQuality
		changed = true
	}
	if cfg.FrameIntervalMillis <= 0 {
		cfg.FrameIntervalMillis = DefaultFrameIntervalMillis
		changed = true
	}
	return changed
}
