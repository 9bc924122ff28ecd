// Package config provides unified configuration for the buffertable server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/buffertable/pkg/types"
)

// Config holds the configuration for the buffertable server.
type Config struct {
	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Buffer holds the buffer table declaration
	Buffer BufferConfig `json:"buffer" yaml:"buffer"`

	// Destination configures the table flushes are written to
	Destination DestinationConfig `json:"destination" yaml:"destination"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// BufferConfig holds the buffer table declaration.
type BufferConfig struct {
	// Database and Table name the buffer table itself
	Database string `json:"database" yaml:"database"`
	Table    string `json:"table" yaml:"table"`

	// Columns is the buffer table's schema
	Columns []types.ColumnDef `json:"columns" yaml:"columns"`

	// NumShards is the number of independent accumulators
	NumShards int `json:"num_shards" yaml:"num_shards"`

	// Flush thresholds; a shard flushes when all minimums or any maximum
	// is exceeded
	MinTimeSeconds int64  `json:"min_time_seconds" yaml:"min_time_seconds"`
	MaxTimeSeconds int64  `json:"max_time_seconds" yaml:"max_time_seconds"`
	MinRows        uint64 `json:"min_rows" yaml:"min_rows"`
	MaxRows        uint64 `json:"max_rows" yaml:"max_rows"`
	MinBytes       uint64 `json:"min_bytes" yaml:"min_bytes"`
	MaxBytes       uint64 `json:"max_bytes" yaml:"max_bytes"`

	// AllowMaterialized permits writing materialized destination columns
	AllowMaterialized bool `json:"allow_materialized" yaml:"allow_materialized"`

	// Readonly makes the engine log a warning at startup; inserts are not
	// blocked by it
	Readonly bool `json:"readonly" yaml:"readonly"`
}

// DestinationType selects the destination backend.
type DestinationType string

const (
	DestinationNone   DestinationType = "none"
	DestinationMemory DestinationType = "memory"
	DestinationSQLite DestinationType = "sqlite"
	DestinationLocal  DestinationType = "local"
	DestinationS3     DestinationType = "s3"
)

// DestinationConfig configures the destination table.
type DestinationConfig struct {
	// Type is the destination backend: none, memory, sqlite, local, s3
	Type DestinationType `json:"type" yaml:"type"`

	// Database and Table name the destination table
	Database string `json:"database" yaml:"database"`
	Table    string `json:"table" yaml:"table"`

	// Path is the database file (sqlite) or base directory (local)
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// S3 settings
	Bucket       string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Buffer: BufferConfig{
			Database:       "default",
			Table:          "buffer",
			NumShards:      16,
			MinTimeSeconds: 10,
			MaxTimeSeconds: 100,
			MinRows:        10000,
			MaxRows:        1000000,
			MinBytes:       10 << 20,
			MaxBytes:       100 << 20,
		},
		Destination: DestinationConfig{Type: DestinationNone},
	}
}

// Load reads a configuration file, decoding by extension (.json, .yaml,
// .yml), applies environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		switch {
		case strings.HasSuffix(path, ".json"):
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("config: unsupported config format: %s", path)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies a small set of deployment-time overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUFFERTABLE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BUFFERTABLE_S3_BUCKET"); v != "" {
		cfg.Destination.Bucket = v
	}
	if v := os.Getenv("BUFFERTABLE_S3_ENDPOINT"); v != "" {
		cfg.Destination.Endpoint = v
	}
	if v := os.Getenv("BUFFERTABLE_S3_REGION"); v != "" {
		cfg.Destination.Region = v
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Buffer.Table == "" {
		return fmt.Errorf("config: buffer.table is required")
	}
	if len(c.Buffer.Columns) == 0 {
		return fmt.Errorf("config: buffer.columns must not be empty")
	}
	for _, col := range c.Buffer.Columns {
		if col.Name == "" {
			return fmt.Errorf("config: column with empty name")
		}
		if !col.Kind.Valid() {
			return fmt.Errorf("config: column %q has unsupported kind %q", col.Name, col.Kind)
		}
	}
	if c.Buffer.NumShards < 1 {
		return fmt.Errorf("config: buffer.num_shards must be positive, got %d", c.Buffer.NumShards)
	}

	switch c.Destination.Type {
	case DestinationNone:
	case DestinationMemory:
		if c.Destination.Table == "" {
			return fmt.Errorf("config: destination.table is required for memory destinations")
		}
	case DestinationSQLite, DestinationLocal:
		if c.Destination.Table == "" {
			return fmt.Errorf("config: destination.table is required for %s destinations", c.Destination.Type)
		}
		if c.Destination.Path == "" {
			return fmt.Errorf("config: destination.path is required for %s destinations", c.Destination.Type)
		}
	case DestinationS3:
		if c.Destination.Table == "" {
			return fmt.Errorf("config: destination.table is required for s3 destinations")
		}
		if c.Destination.Bucket == "" {
			return fmt.Errorf("config: destination.bucket is required for s3 destinations")
		}
	default:
		return fmt.Errorf("config: unknown destination type %q", c.Destination.Type)
	}
	return nil
}
