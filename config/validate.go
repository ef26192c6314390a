package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.DataDir == "" && cfg.Storage.Backend == BackendBadger {
		return fmt.Errorf("datadir is required for the badger backend")
	}
	switch cfg.Storage.Backend {
	case BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendBadger, BackendMemory)
	}
	if cfg.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative")
	}
	if cfg.Pool.BatchSize < 0 {
		return fmt.Errorf("pool.batchsize must not be negative")
	}
	if cfg.Log.Level != "" {
		if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}
