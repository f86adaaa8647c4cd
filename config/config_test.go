package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrjoshuak/go-pyramid/compression"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Build.Key != "data" || cfg.Build.Downsample != 2 || cfg.Build.Radius != 3 {
		t.Errorf("build defaults = %+v", cfg.Build)
	}
	if cfg.Build.BlockSize != 4096 || cfg.Build.MaxDisplayLength != 1024 {
		t.Errorf("block size %d, max display length %d", cfg.Build.BlockSize, cfg.Build.MaxDisplayLength)
	}
	if cfg.View.TileSize != 512 || cfg.View.ZoomFactor != 2 || cfg.View.DisplayTileSize != 20000 {
		t.Errorf("view defaults = %+v", cfg.View)
	}

	opts, err := cfg.BuildOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Codec != compression.ZSTD {
		t.Errorf("default codec = %v, want zstd", opts.Codec)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Build.Downsample != 2 {
		t.Errorf("missing file did not give defaults: %+v", cfg.Build)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pyramid.yaml")
	data := `
build:
  downsample: 3
  blockSize: 3072
  codec: j2k
view:
  tileSize: 256
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Build.Downsample != 3 || cfg.Build.BlockSize != 3072 || cfg.View.TileSize != 256 {
		t.Errorf("overrides not applied: %+v %+v", cfg.Build, cfg.View)
	}
	if cfg.Build.Radius != 3 || cfg.Build.MaxDisplayLength != 1024 {
		t.Errorf("unset keys lost their defaults: %+v", cfg.Build)
	}

	opts, err := cfg.BuildOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Codec != compression.J2K || opts.Downsample != 3 {
		t.Errorf("BuildOptions = %+v", opts)
	}
	if vo := cfg.ViewOptions(nil); vo.TileSize != 256 || vo.Key != "data" {
		t.Errorf("ViewOptions = %+v", vo)
	}
	if level, err := cfg.LogLevel(); err != nil || level != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, %v", level, err)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("build: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted malformed YAML")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pyramid.yaml")
	cfg := DefaultConfig()
	cfg.Build.Workers = 6
	cfg.Build.Codec = "zip"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Build != cfg.Build || got.View != cfg.View || got.Log != cfg.Log {
		t.Errorf("round trip = %+v, want %+v", got, cfg)
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "maxDisplayLength: 1024") {
		t.Errorf("default file missing maxDisplayLength:\n%s", data)
	}
}

func TestBuildOptionsBadCodec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Build.Codec = "lzw"
	if _, err := cfg.BuildOptions(nil); !errors.Is(err, compression.ErrUnknownCodec) {
		t.Errorf("error = %v, want ErrUnknownCodec", err)
	}
}

func TestLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "level", 1)
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("log output = %q", out)
	}

	cfg.Log.Format = "xml"
	if _, err := cfg.Logger(&buf); err == nil {
		t.Error("Logger accepted format xml")
	}
	cfg.Log.Format = "text"
	cfg.Log.Level = "loud"
	if _, err := cfg.LogLevel(); err == nil {
		t.Error("LogLevel accepted level loud")
	}
}
