package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("VORDR_DATA_DIR", "")
	t.Setenv("VORDR_STORAGE", "")
	t.Setenv("VORDR_RULES_FILE", "")
	t.Setenv("VORDR_LOG_COMMITS", "")

	cfg := LoadFromEnv()
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, "", cfg.RulesFile)
	assert.False(t, cfg.LogCommits)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("VORDR_DATA_DIR", "/var/lib/vordr")
	t.Setenv("VORDR_STORAGE", "BADGER")
	t.Setenv("VORDR_RULES_FILE", "/etc/vordr/rules.yaml")
	t.Setenv("VORDR_LOG_COMMITS", "yes")

	cfg := LoadFromEnv()
	assert.Equal(t, "/var/lib/vordr", cfg.DataDir)
	assert.Equal(t, StorageBadger, cfg.Storage, "backend name is case insensitive")
	assert.Equal(t, "/etc/vordr/rules.yaml", cfg.RulesFile)
	assert.True(t, cfg.LogCommits)
}

func TestValidate(t *testing.T) {
	t.Run("unknown_backend", func(t *testing.T) {
		cfg := &Config{Storage: "postgres"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("badger_requires_data_dir", func(t *testing.T) {
		cfg := &Config{Storage: StorageBadger}
		assert.Error(t, cfg.Validate())
	})

	t.Run("memory_needs_nothing", func(t *testing.T) {
		cfg := &Config{Storage: StorageMemory}
		assert.NoError(t, cfg.Validate())
	})
}

func TestString(t *testing.T) {
	cfg := &Config{Storage: StorageMemory, DataDir: "./d", LogCommits: true}
	s := cfg.String()
	assert.Contains(t, s, "storage=memory")
	assert.Contains(t, s, "log_commits=true")
}
