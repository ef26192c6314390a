// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, must match across all replicas
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Genesis file; empty means the built-in genesis of the network.
	GenesisFile string `conf:"genesis"`

	Storage StorageConfig

	Pool PoolConfig

	Metrics MetricsConfig

	Log LogConfig
}

// StorageConfig selects the state database.
type StorageConfig struct {
	Backend string `conf:"storage.backend"` // badger or memory
}

// MetricsConfig holds metrics settings.
// PoolConfig holds request pool settings.
type PoolConfig struct {
	Size      int `conf:"pool.size"`
	BatchSize int `conf:"pool.batchsize"`
}

type MetricsConfig struct {
	Enabled bool `conf:"metrics.enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingfees
//	macOS:   ~/Library/Application Support/Klingfees
//	Windows: %APPDATA%\Klingfees
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingfees"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingfees")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingfees")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingfees")
	default:
		return filepath.Join(home, ".klingfees")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StateDir returns the state database directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.ChainDataDir(), "state")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingfees.conf")
}
