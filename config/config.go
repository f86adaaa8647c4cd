// Package config provides configuration loading and management for the
// pyramid tools. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/pyramid"
	"github.com/mrjoshuak/go-pyramid/view"
)

// Config represents the tool configuration loaded from YAML.
type Config struct {
	// Build parameters
	Build struct {
		// Key is the name of the original dataset in the container
		Key string `yaml:"key"`

		// Downsample is the reduction factor between levels
		Downsample int `yaml:"downsample"`

		// Sigma is the Gaussian standard deviation; 0 derives it from Downsample
		Sigma float64 `yaml:"sigma"`

		// Radius is the filter half-width in pixels
		Radius int `yaml:"radius"`

		// BlockSize is the side of the blocks filtered at once
		BlockSize int `yaml:"blockSize"`

		// MaxDisplayLength stops adding levels once the longest side fits
		MaxDisplayLength int `yaml:"maxDisplayLength"`

		// NoPyramid only records the image range
		NoPyramid bool `yaml:"noPyramid"`

		// Workers is the number of blocks filtered concurrently
		Workers int `yaml:"workers"`

		// Codec compresses generated levels: none, zip, zstd or j2k
		Codec string `yaml:"codec"`

		// ChunkSize is the chunk side of generated levels
		ChunkSize int `yaml:"chunkSize"`
	} `yaml:"build"`

	// Viewer parameters
	View struct {
		// TileSize is the processing tile side
		TileSize int `yaml:"tileSize"`

		// ZoomFactor is the display scale between adjacent levels
		ZoomFactor float64 `yaml:"zoomFactor"`

		// DisplayTileSize bounds the pieces handed to the display
		DisplayTileSize int `yaml:"displayTileSize"`
	} `yaml:"view"`

	// Logging parameters
	Log struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	b := pyramid.DefaultOptions()
	cfg.Build.Key = b.Key
	cfg.Build.Downsample = b.Downsample
	cfg.Build.Radius = b.Radius
	cfg.Build.BlockSize = b.BlockSize
	cfg.Build.MaxDisplayLength = b.MaxDisplayLength
	cfg.Build.Workers = b.Workers
	cfg.Build.Codec = compression.ZSTD.String()
	cfg.Build.ChunkSize = b.ChunkSize

	v := view.DefaultOptions()
	cfg.View.TileSize = v.TileSize
	cfg.View.ZoomFactor = v.ZoomFactor
	cfg.View.DisplayTileSize = v.DisplayTileSize

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// BuildOptions converts the build section to pyramid options.
func (c *Config) BuildOptions(logger *slog.Logger) (pyramid.Options, error) {
	codec, err := compression.ParseCodec(c.Build.Codec)
	if err != nil {
		return pyramid.Options{}, fmt.Errorf("config: build.codec: %w", err)
	}
	return pyramid.Options{
		Key:              c.Build.Key,
		Downsample:       c.Build.Downsample,
		Sigma:            c.Build.Sigma,
		Radius:           c.Build.Radius,
		BlockSize:        c.Build.BlockSize,
		MaxDisplayLength: c.Build.MaxDisplayLength,
		NoPyramid:        c.Build.NoPyramid,
		Workers:          c.Build.Workers,
		Codec:            codec,
		ChunkSize:        c.Build.ChunkSize,
		Logger:           logger,
	}, nil
}

// ViewOptions converts the view section to viewer options.
func (c *Config) ViewOptions(logger *slog.Logger) view.Options {
	return view.Options{
		Key:             c.Build.Key,
		NoPyramid:       c.Build.NoPyramid,
		TileSize:        c.View.TileSize,
		ZoomFactor:      c.View.ZoomFactor,
		DisplayTileSize: c.View.DisplayTileSize,
		Logger:          logger,
	}
}

// LogLevel parses the log level. Unknown names are an error.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// Logger returns a logger writing to w in the configured format.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("config: log.format %q: want text or json", c.Log.Format)
}
