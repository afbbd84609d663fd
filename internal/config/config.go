package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/loomworks/loom/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "loom.json"

	// DefaultStateDir is where the file backend keeps stack blobs when no
	// directory is configured.
	DefaultStateDir = ".loom/state"

	// DefaultLockTTLSeconds is the advisory lock lifetime.
	DefaultLockTTLSeconds = 300
)

// Config represents the complete loom.json configuration.
type Config struct {
	// Stack is the default stack name.
	Stack string `json:"stack,omitempty"`

	// User stamps persisted state and audit entries.
	User string `json:"user,omitempty"`

	// Backend selects and configures the persistence backend.
	Backend BackendConfig `json:"backend,omitempty"`

	// Inspector configures the optional HTTP inspector.
	Inspector InspectorConfig `json:"inspector,omitempty"`

	// LockTTLSeconds is the advisory lock lifetime; 0 disables locking.
	LockTTLSeconds int `json:"lock_ttl_seconds,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// BackendConfig selects the persistence backend.
type BackendConfig struct {
	// Type is "memory", "file" or "s3".
	Type string `json:"type,omitempty"`

	// Dir is the state directory for the file backend.
	Dir string `json:"dir,omitempty"`

	// Bucket and Prefix configure the S3 backend.
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// InspectorConfig configures the HTTP inspector.
type InspectorConfig struct {
	// Addr is the listen address, e.g. ":9090". Empty disables it.
	Addr string `json:"addr,omitempty"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	return &Config{
		Backend:        BackendConfig{Type: "file", Dir: DefaultStateDir},
		LockTTLSeconds: DefaultLockTTLSeconds,
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(blob, cfg); err != nil {
		return nil, errors.Newf(errors.CategoryConfig, "invalid %s: %v", filepath.Base(path), err)
	}
	cfg.configPath = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find walks from dir upward looking for loom.json; absent files yield the
// defaults, not an error.
func Find(dir string) (*Config, error) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(cur, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return Default(), nil
		}
		cur = parent
	}
}

// Path returns where the config was loaded from, or empty for defaults.
func (c *Config) Path() string { return c.configPath }

// Validate checks field consistency.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "", "memory":
	case "file":
		if c.Backend.Dir == "" {
			c.Backend.Dir = DefaultStateDir
		}
	case "s3":
		if c.Backend.Bucket == "" {
			return errors.Newf(errors.CategoryConfig, "backend.bucket is required for the s3 backend")
		}
	default:
		return errors.Newf(errors.CategoryConfig, "unknown backend type %q", c.Backend.Type)
	}
	if c.LockTTLSeconds < 0 {
		return errors.Newf(errors.CategoryConfig, "lock_ttl_seconds must not be negative")
	}
	return nil
}
