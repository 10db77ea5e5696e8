package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the ragrelay worker configuration.
type Config struct {
	Group     GroupConfig     `yaml:"group"`
	Index     IndexConfig     `yaml:"index"`
	Docstore  DocstoreConfig  `yaml:"docstore"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ops       OpsConfig       `yaml:"ops"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GroupConfig holds retrieval process-group membership settings.
// Rank and world size describe this worker's place in the training job;
// the retrieval group itself is created on base_port+1 to stay clear of
// the training channel.
type GroupConfig struct {
	Rank           int    `yaml:"rank"`
	WorldSize      int    `yaml:"world_size"`
	MasterHost     string `yaml:"master_host"`
	BasePort       int    `yaml:"base_port"`
	Ifname         string `yaml:"ifname"` // empty = infer (first "e*" interface)
	DialTimeoutSec int    `yaml:"dial_timeout_sec"`
}

// IndexConfig holds flat-index settings.
type IndexConfig struct {
	SnapshotPath   string  `yaml:"snapshot_path"`
	NDocs          int     `yaml:"n_docs"`
	CombinedWeight float32 `yaml:"combined_weight"`
	CurrentWeight  float32 `yaml:"current_weight"`
	HistoryWeight  float32 `yaml:"history_weight"`
}

// DocstoreConfig holds document dictionary store settings.
type DocstoreConfig struct {
	Driver           string   `yaml:"driver"` // redis, memory (default: memory)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	KeyPrefix        string   `yaml:"key_prefix"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// EmbeddingConfig holds loader-side embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// OpsConfig holds the operational HTTP endpoint settings.
type OpsConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Group.WorldSize <= 0 {
		c.Group.WorldSize = 1
	}
	if c.Group.MasterHost == "" {
		c.Group.MasterHost = "127.0.0.1"
	}
	if c.Group.BasePort <= 0 {
		c.Group.BasePort = 29500
	}
	if c.Group.DialTimeoutSec <= 0 {
		c.Group.DialTimeoutSec = 30
	}
	if c.Index.NDocs <= 0 {
		c.Index.NDocs = 5
	}
	if c.Index.CombinedWeight == 0 && c.Index.CurrentWeight == 0 && c.Index.HistoryWeight == 0 {
		c.Index.CombinedWeight = 1.0
		c.Index.CurrentWeight = 0.5
		c.Index.HistoryWeight = 0.5
	}
	if c.Docstore.Driver == "" {
		c.Docstore.Driver = "memory"
	}
	if c.Docstore.KeyPrefix == "" {
		c.Docstore.KeyPrefix = "ragrelay:"
	}
	if c.Docstore.ReadinessTimeout <= 0 {
		c.Docstore.ReadinessTimeout = 10
	}
	if c.Ops.Port <= 0 {
		c.Ops.Port = 9090
	}
	if c.Ops.ReadTimeoutSec <= 0 {
		c.Ops.ReadTimeoutSec = 10
	}
	if c.Ops.WriteTimeoutSec <= 0 {
		c.Ops.WriteTimeoutSec = 10
	}
	if c.Ops.ShutdownSec <= 0 {
		c.Ops.ShutdownSec = 10
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Group.WorldSize < 1 {
		return fmt.Errorf("group.world_size must be >= 1, got %d", c.Group.WorldSize)
	}
	if c.Group.Rank < 0 || c.Group.Rank >= c.Group.WorldSize {
		return fmt.Errorf(
			"group.rank must be in [0, %d), got %d", c.Group.WorldSize, c.Group.Rank,
		)
	}
	// base_port+1 is claimed for the retrieval group, so the base itself
	// must leave room for it.
	if c.Group.BasePort <= 0 || c.Group.BasePort >= 65535 {
		return fmt.Errorf("group.base_port must be between 1 and 65534, got %d", c.Group.BasePort)
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("ops.port must be between 1 and 65535, got %d", c.Ops.Port)
	}
	switch c.Docstore.Driver {
	case "redis":
		if len(c.Docstore.Addrs) == 0 {
			return fmt.Errorf("docstore.addrs is required for the redis driver")
		}
	case "memory":
		// ok
	default:
		return fmt.Errorf("docstore.driver must be \"redis\" or \"memory\", got %q", c.Docstore.Driver)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
