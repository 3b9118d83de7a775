package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relupd configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Paths  PathsConfig  `yaml:"paths"`
	Update UpdateConfig `yaml:"update"`
	Serve  ServeConfig  `yaml:"serve"`
}

// SourceConfig configures where releases are read from. Exactly one of
// BaseURL (HTTP mirror) or Dir (local mirror) must be set.
type SourceConfig struct {
	BaseURL   string `yaml:"base_url"`
	Dir       string `yaml:"dir"`
	IndexFile string `yaml:"index_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DistDir  string `yaml:"dist_dir"`
	StateDir string `yaml:"state_dir"`
}

// UpdateConfig configures reconciliation behavior
type UpdateConfig struct {
	// SelfTarget names the target that is this program's own binary,
	// if any; it gets the self-replacement treatment when updated.
	SelfTarget string `yaml:"self_target"`
	// PostUpdate is an argv executed after a fully successful pass
	// that changed anything.
	PostUpdate []string `yaml:"post_update"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
	Interval   string `yaml:"interval"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.BaseURL = os.ExpandEnv(c.Source.BaseURL)
	c.Source.Dir = os.ExpandEnv(c.Source.Dir)
	c.Source.IndexFile = os.ExpandEnv(c.Source.IndexFile)
	c.Paths.DistDir = os.ExpandEnv(c.Paths.DistDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Update.SelfTarget = os.ExpandEnv(c.Update.SelfTarget)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.IndexFile == "" {
		c.Source.IndexFile = "release.json"
	}
	if c.Serve.Interval == "" {
		c.Serve.Interval = "0"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate source config: exactly one of base_url or dir
	if c.Source.BaseURL == "" && c.Source.Dir == "" {
		return fmt.Errorf("source: one of base_url or dir is required")
	}
	if c.Source.BaseURL != "" && c.Source.Dir != "" {
		return fmt.Errorf("source: only one of base_url or dir may be set")
	}
	if c.Source.BaseURL != "" && !c.IsHTTP() {
		return fmt.Errorf("source.base_url must use http or https scheme: %s", c.Source.BaseURL)
	}
	if c.Source.Dir != "" && !filepath.IsAbs(c.Source.Dir) {
		return fmt.Errorf("source.dir must be an absolute path: %s", c.Source.Dir)
	}

	// Validate paths
	if c.Paths.DistDir == "" {
		return fmt.Errorf("paths.dist_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.DistDir) {
		return fmt.Errorf("paths.dist_dir must be an absolute path: %s", c.Paths.DistDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}
	if _, err := c.Interval(); err != nil {
		return fmt.Errorf("serve.interval: %w", err)
	}

	return nil
}

// ManifestPath returns the path to the persisted update manifest
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Paths.StateDir, "manifest.json")
}

// Interval returns the parsed periodic update interval; zero disables
// periodic passes.
func (c *Config) Interval() (time.Duration, error) {
	if c.Serve.Interval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Serve.Interval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative: %s", c.Serve.Interval)
	}
	return d, nil
}

// IsHTTP returns true if the source is an HTTP mirror
func (c *Config) IsHTTP() bool {
	return strings.HasPrefix(c.Source.BaseURL, "https://") || strings.HasPrefix(c.Source.BaseURL, "http://")
}

// IsDir returns true if the source is a local directory mirror
func (c *Config) IsDir() bool {
	return c.Source.Dir != ""
}
