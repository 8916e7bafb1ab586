// Package config provides configuration loading and path management for the
// atelier daemon. Config files may be JSON, JSONC, or YAML and are merged in
// priority order: defaults, global config, project config, ATELIER_CONFIG
// override, then environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/atelier-ai/atelier/pkg/types"
)

// Config is the daemon configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" yaml:"addr"`
	// DataDir overrides the default storage location.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	Log struct {
		Level  string `json:"level" yaml:"level"`
		Pretty bool   `json:"pretty" yaml:"pretty"`
	} `json:"log" yaml:"log"`

	Producer struct {
		// StreamURL is the endpoint that serves chat completion event
		// streams.
		StreamURL string `json:"streamURL" yaml:"streamURL"`
		// GenerateURL is the endpoint that serves media generation calls.
		GenerateURL string `json:"generateURL" yaml:"generateURL"`
		// APIKey authenticates against both endpoints.
		APIKey string `json:"apiKey" yaml:"apiKey"`
	} `json:"producer" yaml:"producer"`

	// Batch holds the defaults applied to jobs created without an explicit
	// execution policy.
	Batch types.BatchConfig `json:"batch" yaml:"batch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Addr: ":7455",
	}
	cfg.Log.Level = "INFO"
	cfg.Batch = types.BatchConfig{
		Concurrency:  2,
		MaxRetries:   2,
		RetryDelayMs: 1000,
	}
	return cfg
}

// Load builds the effective configuration for a project directory.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[abs] = true
		}
	}

	globalDir := GetPaths().Config
	for _, name := range configNames() {
		loadOnce(filepath.Join(globalDir, name))
	}

	if directory != "" {
		for _, name := range configNames() {
			loadOnce(filepath.Join(directory, name))
			loadOnce(filepath.Join(directory, ".atelier", name))
		}
	}

	if override := os.Getenv("ATELIER_CONFIG"); override != "" {
		if err := loadFile(override, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", override, err)
		}
	}

	applyEnv(cfg)

	if cfg.Batch.Concurrency < 1 {
		cfg.Batch.Concurrency = 1
	}
	return cfg, nil
}

func configNames() []string {
	return []string{"atelier.json", "atelier.jsonc", "atelier.yaml", "atelier.yml"}
}

// loadFile merges a single config file into cfg. Missing files are not an
// error; malformed ones are.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(data)

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
}

var envPattern = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate replaces {env:VAR} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyEnv applies ATELIER_* environment overrides, the highest-priority
// source.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ATELIER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("ATELIER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ATELIER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ATELIER_PRODUCER_STREAM_URL"); v != "" {
		cfg.Producer.StreamURL = v
	}
	if v := os.Getenv("ATELIER_PRODUCER_GENERATE_URL"); v != "" {
		cfg.Producer.GenerateURL = v
	}
	if v := os.Getenv("ATELIER_PRODUCER_API_KEY"); v != "" {
		cfg.Producer.APIKey = v
	}
	if v := os.Getenv("ATELIER_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Batch.Concurrency = n
		}
	}
}

// StorageDir resolves the storage directory for this configuration.
func (c *Config) StorageDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return GetPaths().StoragePath()
}
