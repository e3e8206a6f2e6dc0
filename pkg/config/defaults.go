package config

import (
	"strings"

	"github.com/marmos91/pagedfs/pkg/paged"
)

// Default capacities for backends that do not specify one.
const (
	defaultCapacity             = 1 << 30 // 1 GiB
	defaultExtentDeletionBudget = 8
	defaultMetricsListen        = "127.0.0.1:9464"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
//   - Engine defaults come from the engine package so the daemon and
//     library defaults cannot drift apart
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyEngineDefaults(&cfg.Engine)
	applyStoreDefaults(&cfg.Store)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyEngineDefaults sets engine defaults from the engine package.
func applyEngineDefaults(cfg *EngineConfig) {
	def := paged.DefaultOptions()
	if cfg.PageSize == 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.FlushBatchSize == 0 {
		cfg.FlushBatchSize = def.FlushBatchSize
	}
	if cfg.TransactionMetadataCost == 0 {
		cfg.TransactionMetadataCost = def.TransactionMetadataCost
	}
	if cfg.SpareCap == 0 {
		cfg.SpareCap = cfg.TransactionMetadataCost + cfg.FlushBatchSize
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
}

// applyStoreDefaults sets store backend defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory.Capacity == 0 {
		cfg.Memory.Capacity = defaultCapacity
	}
	if cfg.Memory.ExtentDeletionBudget == 0 {
		cfg.Memory.ExtentDeletionBudget = defaultExtentDeletionBudget
	}

	if cfg.Badger.Capacity == 0 {
		cfg.Badger.Capacity = defaultCapacity
	}
	if cfg.Badger.ExtentDeletionBudget == 0 {
		cfg.Badger.ExtentDeletionBudget = defaultExtentDeletionBudget
	}
}

// applyMetricsDefaults sets metrics endpoint defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultMetricsListen
	}
}
