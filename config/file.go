package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, not protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value
	case "genesis":
		cfg.GenesisFile = value

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = strings.ToLower(value)

	// Pool
	case "pool.size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Pool.Size = n
	case "pool.batchsize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Pool.BatchSize = n

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingfees Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (trustees, trustee threshold, fee-eligible txn types) live
# in the genesis configuration and must match across all replicas.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingfees)
# datadir = ~/.klingfees

# Genesis file (default: built-in genesis of the network)
# genesis = genesis.json

# ============================================================================
# Storage
# ============================================================================

# State database backend: badger or memory
storage.backend = badger

# ============================================================================
# Request Pool
# ============================================================================

# Maximum pooled requests
pool.size = 5000

# Maximum requests per proposed batch (0 = no limit)
pool.batchsize = 1000

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = true

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
