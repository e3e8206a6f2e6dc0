package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pagedfs/pkg/paged"
)

func validConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	t.Run("Logging", func(t *testing.T) {
		assert.Equal(t, "INFO", cfg.Logging.Level)
		assert.Equal(t, "stdout", cfg.Logging.Output)
	})

	t.Run("EngineMatchesLibraryDefaults", func(t *testing.T) {
		def := paged.DefaultOptions()
		assert.Equal(t, def.PageSize, cfg.Engine.PageSize)
		assert.Equal(t, def.FlushBatchSize, cfg.Engine.FlushBatchSize)
		assert.Equal(t, def.TransactionMetadataCost, cfg.Engine.TransactionMetadataCost)
		assert.Equal(t, def.MaxFileSize, cfg.Engine.MaxFileSize)
		assert.Equal(t, cfg.Engine.TransactionMetadataCost+cfg.Engine.FlushBatchSize, cfg.Engine.SpareCap)
	})

	t.Run("Store", func(t *testing.T) {
		assert.Equal(t, "memory", cfg.Store.Type)
		assert.Equal(t, uint64(1<<30), cfg.Store.Memory.Capacity)
		assert.Equal(t, 8, cfg.Store.Memory.ExtentDeletionBudget)
	})

	t.Run("Metrics", func(t *testing.T) {
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.ListenAddress)
	})

	t.Run("ExplicitValuesAreKept", func(t *testing.T) {
		cfg := &Config{}
		cfg.Logging.Level = "debug"
		cfg.Engine.PageSize = 8192
		cfg.Store.Type = "badger"
		ApplyDefaults(cfg)

		assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized, not replaced")
		assert.Equal(t, uint64(8192), cfg.Engine.PageSize)
		assert.Equal(t, "badger", cfg.Store.Type)
	})
}

func TestEngineOptions(t *testing.T) {
	cfg := validConfig()
	opts := cfg.Engine.Options()
	assert.Equal(t, cfg.Engine.PageSize, opts.PageSize)
	assert.Equal(t, cfg.Engine.FlushBatchSize, opts.FlushBatchSize)
	assert.Equal(t, cfg.Engine.TransactionMetadataCost, opts.TransactionMetadataCost)
	assert.Equal(t, cfg.Engine.SpareCap, opts.SpareCap)
	assert.Equal(t, cfg.Engine.MaxFileSize, opts.MaxFileSize)
}

func TestValidate(t *testing.T) {
	t.Run("DefaultsAreValid", func(t *testing.T) {
		assert.NoError(t, Validate(validConfig()))
	})

	t.Run("RejectsUnknownLogLevel", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "VERBOSE"
		assert.Error(t, Validate(cfg))
	})

	t.Run("RejectsNonPowerOfTwoPageSize", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.PageSize = 3000
		cfg.Engine.FlushBatchSize = 3000
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "power of two")
	})

	t.Run("RejectsBatchSizeNotMultipleOfPageSize", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.FlushBatchSize = cfg.Engine.PageSize + 100
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "multiple of page_size")
	})

	t.Run("RejectsMaxFileSizeBelowOnePage", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.MaxFileSize = cfg.Engine.PageSize - 1
		assert.Error(t, Validate(cfg))
	})

	t.Run("RejectsUnknownStoreType", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Type = "postgres"
		assert.Error(t, Validate(cfg))
	})

	t.Run("RejectsBadgerWithoutPath", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Type = "badger"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.badger.path")
	})

	t.Run("AcceptsBadgerWithPath", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Type = "badger"
		cfg.Store.Badger.Path = "/var/lib/pagedfs"
		assert.NoError(t, Validate(cfg))
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
engine:
  page_size: 8192
  flush_batch_size: 65536
store:
  type: badger
  badger:
    path: ` + dir + `
    sync_writes: true
metrics:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, uint64(8192), cfg.Engine.PageSize)
	assert.Equal(t, uint64(65536), cfg.Engine.FlushBatchSize)
	assert.Equal(t, "badger", cfg.Store.Type)
	assert.Equal(t, dir, cfg.Store.Badger.Path)
	assert.True(t, cfg.Store.Badger.SyncWrites)
	assert.True(t, cfg.Metrics.Enabled)

	// Unspecified fields still get defaults.
	assert.Equal(t, paged.DefaultOptions().MaxFileSize, cfg.Engine.MaxFileSize)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.ListenAddress)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  page_size: 3000\n  flush_batch_size: 3000\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	// No config file anywhere in the search path.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, paged.DefaultOptions().PageSize, cfg.Engine.PageSize)
}

func TestYAMLRoundtrip(t *testing.T) {
	cfg := validConfig()
	out, err := cfg.YAML()
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, *cfg, decoded)
}
