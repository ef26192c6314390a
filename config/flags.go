package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	Testnet bool
	DataDir string
	Config  string
	Genesis string

	// Storage
	Backend string

	// Pool
	PoolSize  int
	BatchSize int

	// Metrics
	Metrics bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args (subcommand and its arguments)
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetMetrics bool
	SetLogJSON bool
}

// ParseFlags parses command-line flags. args excludes the program name.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingfees", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.BoolVar(&f.Testnet, "testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Genesis, "genesis", "", "Genesis file path")

	// Storage
	fs.StringVar(&f.Backend, "storage", "", "State database backend (badger or memory)")

	// Pool
	fs.IntVar(&f.PoolSize, "pool-size", 0, "Maximum pooled requests")
	fs.IntVar(&f.BatchSize, "batch-size", 0, "Maximum requests per batch")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", true, "Collect fee metrics")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			f.Help = true
			return f, nil
		}
		return nil, err
	}

	if f.Testnet {
		f.Network = string(Testnet)
	}
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Genesis != "" {
		cfg.GenesisFile = f.Genesis
	}

	// Storage
	if f.Backend != "" {
		cfg.Storage.Backend = strings.ToLower(f.Backend)
	}

	// Pool
	if f.PoolSize != 0 {
		cfg.Pool.Size = f.PoolSize
	}
	if f.BatchSize != 0 {
		cfg.Pool.BatchSize = f.BatchSize
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the help text to w.
func PrintUsage(w io.Writer) {
	usage := `Klingfees - UTXO token transfers and fee settlement for a BFT ledger

Usage:
  klingfees [options] <command> [arguments]
  klingfees --help

Commands:
  init                    Create data directories, bootstrap genesis state
  genesis <file>          Write the genesis in effect (default: testnet) to file
  fees                    Show the committed fee schedule
  balance <address>       Show the unspent balance of an address
  utxos <address>         List spent and unspent outputs of an address
  ledger <id>             Dump a ledger (token, config, domain)
  supply                  Show total unspent supply and UTXO commitment
  demo                    Run a fee-paying batch on a throwaway testnet state

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingfees)
  --config, -c    Config file path (default: <datadir>/klingfees.conf)
  --genesis       Genesis file (default: built-in genesis of the network)

Storage Options:
  --storage       State database backend: badger (default) or memory

Pool Options:
  --pool-size     Maximum pooled requests (default: 5000)
  --batch-size    Maximum requests per batch (default: 1000)

Metrics Options:
  --metrics       Collect fee metrics (default: true)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stderr)
  --log-json      Output logs as JSON

Examples:
  # Initialize a testnet node
  klingfees --testnet init

  # Show the fee schedule
  klingfees --testnet fees

  # Check a balance
  klingfees --testnet balance <address>

Note:
  Protocol rules (trustees, trustee threshold, fee-eligible txn types) are
  defined in the genesis configuration and cannot be changed at runtime.
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
//
// When --help or --version is given the returned config is nil.
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directories and writes a default config
// file if none exists.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.StateDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
