package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Image   ImageConfig   `toml:"image"`
	Render  RenderConfig  `toml:"render"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Port int `toml:"port"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// ImageConfig bounds the normalizer's output. MaxBase64KB is expressed in
// KiB so the config file stays readable.
type ImageConfig struct {
	MaxDimension int `toml:"max_dimension"`
	MaxBase64KB  int `toml:"max_base64_kb"`
	StartQuality int `toml:"start_quality"`
	MinQuality   int `toml:"min_quality"`
	QualityStep  int `toml:"quality_step"`
}

type RenderConfig struct {
	TimeoutMS int `toml:"timeout_ms"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 3773},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Image: ImageConfig{
			MaxDimension: 1568,
			MaxBase64KB:  1024,
			StartQuality: 85,
			MinQuality:   40,
			QualityStep:  10,
		},
		Render: RenderConfig{TimeoutMS: 30000},
		Log:    LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "screenshot-bridge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".screenshot-bridge"
	}
	return filepath.Join(home, ".local", "share", "screenshot-bridge")
}

// Path returns the config file location:
// $XDG_CONFIG_HOME/screenshot-bridge/config.toml, falling back to
// ~/.config/screenshot-bridge/config.toml.
func Path() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "screenshot-bridge", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".screenshot-bridge", "config.toml")
	}
	return filepath.Join(home, ".config", "screenshot-bridge", "config.toml")
}

// Load builds the configuration from defaults, the optional TOML file, and
// SCREENSHOT_BRIDGE_* environment variables, in that precedence order. A
// missing file is fine; a malformed one is an error.
func Load() (Config, error) {
	return loadFrom(Path())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults apply.
	case err != nil:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCREENSHOT_BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SCREENSHOT_BRIDGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SCREENSHOT_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SCREENSHOT_BRIDGE_RENDER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Render.TimeoutMS = ms
		}
	}
	if v := os.Getenv("SCREENSHOT_BRIDGE_MAX_DIMENSION"); v != "" {
		if px, err := strconv.Atoi(v); err == nil && px > 0 {
			cfg.Image.MaxDimension = px
		}
	}
}
