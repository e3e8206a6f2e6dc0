package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pagedfs/pkg/paged"
)

// Config represents the complete pagedfs configuration.
//
// This structure captures all configurable aspects of the pagedfs daemon:
//   - Logging configuration
//   - Write-back engine tuning (page size, batch size, reservation costs)
//   - Store backend selection and backend-specific configuration
//   - Metrics endpoint configuration
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PAGEDFS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store backend defines its own configuration section. The Store.Type
// field selects the backend and only the matching section is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Engine tunes the write-back engine
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`

	// Store specifies the store backend and backend-specific configuration
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Metrics configures the Prometheus metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// EngineConfig tunes the write-back engine. All sizes are in bytes.
//
// The per-page flush reservation is derived from these values: every
// PagesPerTransaction dirty pages cost one TransactionMetadataCost on top
// of their data bytes. Changing them changes how much free space the
// engine demands before accepting writes, not the on-disk format.
type EngineConfig struct {
	// PageSize is the page cache granularity. Must be a power of two.
	PageSize uint64 `mapstructure:"page_size" yaml:"page_size" validate:"required,gt=0"`

	// FlushBatchSize caps the payload of one flush transaction.
	// Must be a multiple of PageSize.
	FlushBatchSize uint64 `mapstructure:"flush_batch_size" yaml:"flush_batch_size" validate:"required,gt=0"`

	// TransactionMetadataCost is the reservation charged per flush
	// transaction for its metadata mutations.
	TransactionMetadataCost uint64 `mapstructure:"transaction_metadata_cost" yaml:"transaction_metadata_cost" validate:"required,gt=0"`

	// SpareCap bounds the reservation slack kept between flushes.
	SpareCap uint64 `mapstructure:"spare_cap" yaml:"spare_cap"`

	// MaxFileSize is the largest logical file size accepted.
	MaxFileSize uint64 `mapstructure:"max_file_size" yaml:"max_file_size" validate:"required,gt=0"`
}

// Options converts the engine section into the engine's option struct.
func (c EngineConfig) Options() paged.Options {
	return paged.Options{
		PageSize:                c.PageSize,
		FlushBatchSize:          c.FlushBatchSize,
		TransactionMetadataCost: c.TransactionMetadataCost,
		SpareCap:                c.SpareCap,
		MaxFileSize:             c.MaxFileSize,
	}
}

// StoreConfig specifies store backend configuration.
//
// The Type field determines which backend is used. Only the corresponding
// backend-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which store backend to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains in-memory backend configuration
	// Only used when Type = "memory"
	Memory MemoryStoreConfig `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB backend configuration
	// Only used when Type = "badger"
	Badger BadgerStoreConfig `mapstructure:"badger" yaml:"badger"`
}

// MemoryStoreConfig configures the in-memory store backend.
type MemoryStoreConfig struct {
	// Capacity is the simulated device size in bytes
	Capacity uint64 `mapstructure:"capacity" yaml:"capacity"`

	// ExtentDeletionBudget caps extent deletions per shrink transaction
	ExtentDeletionBudget int `mapstructure:"extent_deletion_budget" yaml:"extent_deletion_budget"`
}

// BadgerStoreConfig configures the BadgerDB store backend.
type BadgerStoreConfig struct {
	// Path is the database directory
	Path string `mapstructure:"path" yaml:"path"`

	// Capacity is the space budget in bytes the allocator hands out
	Capacity uint64 `mapstructure:"capacity" yaml:"capacity"`

	// ExtentDeletionBudget caps extent deletions per shrink transaction
	ExtentDeletionBudget int `mapstructure:"extent_deletion_budget" yaml:"extent_deletion_budget"`

	// SyncWrites forces fsync on every commit
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the host:port the endpoint binds to
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PAGEDFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// YAML renders the configuration as YAML, for the dump-config command.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the PAGEDFS_ prefix and underscores
	// Example: PAGEDFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PAGEDFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/pagedfs/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pagedfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pagedfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
