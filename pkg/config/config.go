// Package config loads Vordr configuration from environment variables.
//
// Environment Variables:
//   - VORDR_DATA_DIR="./data"        directory for the persistent store
//   - VORDR_STORAGE="memory|badger"  storage backend
//   - VORDR_RULES_FILE="rules.yaml"  declarative rule file, optional
//   - VORDR_LOG_COMMITS=true         log every commit's change set
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strings"
)

// Storage backend names accepted by VORDR_STORAGE.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// Config holds all Vordr settings loaded from environment variables.
type Config struct {
	// DataDir is the directory for the badger-backed store. Ignored for
	// the memory backend.
	DataDir string
	// Storage selects the backend: "memory" or "badger".
	Storage string
	// RulesFile is an optional declarative rule file loaded at open.
	RulesFile string
	// LogCommits attaches a listener that logs every commit.
	LogCommits bool
}

// LoadFromEnv creates a Config from environment variables, applying
// defaults for unset values.
func LoadFromEnv() *Config {
	return &Config{
		DataDir:    getEnv("VORDR_DATA_DIR", "./data"),
		Storage:    strings.ToLower(getEnv("VORDR_STORAGE", StorageMemory)),
		RulesFile:  getEnv("VORDR_RULES_FILE", ""),
		LogCommits: getEnvBool("VORDR_LOG_COMMITS", false),
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageBadger:
	default:
		return fmt.Errorf("config: unknown storage backend %q (want %q or %q)",
			c.Storage, StorageMemory, StorageBadger)
	}
	if c.Storage == StorageBadger && c.DataDir == "" {
		return fmt.Errorf("config: badger storage requires VORDR_DATA_DIR")
	}
	return nil
}

// String returns a loggable summary without dumping every field.
func (c *Config) String() string {
	return fmt.Sprintf("storage=%s data_dir=%s rules_file=%s log_commits=%t",
		c.Storage, c.DataDir, c.RulesFile, c.LogCommits)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
