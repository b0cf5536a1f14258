// Package config parses the daemon's command-line flags and config
// file, the same two-pass jessevdk/go-flags pattern the teacher's
// ecosystem siblings (dcrlnd, taproot-assets) use: flags first to find
// --configfile and --datadir, then an ini file, then flags again so
// command-line values win.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "lianad.conf"
	defaultDataDirname    = "data"
	defaultLogFilename    = "lianad.log"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"
	defaultMempoolURL     = "https://mempool.space/api"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"Directory to store the wallet's sqlite database and logs"`

	Network    string `long:"network" description:"Bitcoin network: mainnet, testnet or regtest"`
	MempoolURL string `long:"mempoolurl" description:"Base URL of the mempool.space-compatible REST API to use as a chain backend"`

	OwnerXPub string `long:"ownerxpub" description:"Account-level extended public key for the owner spending path"`
	HeirXPub  string `long:"heirxpub" description:"Account-level extended public key for the heir spending path"`
	CSVDelay  uint16 `long:"csvdelay" description:"Number of confirmations the heir must wait before the heir path unlocks"`
	Timestamp uint32 `long:"timestamp" description:"Unix timestamp the wallet was created at; coins received before it are never scanned for"`

	LogLevel string `long:"loglevel" description:"Logging level: trace, debug, info, warn, error, critical"`

	RPCPort int `long:"rpcport" description:"Port the daemon's control interface listens on"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		ConfigFile: defaultConfigFilename,
		DataDir:    defaultDataDirname,
		Network:    defaultNetwork,
		MempoolURL: defaultMempoolURL,
		LogLevel:   defaultLogLevel,
		RPCPort:    8080,
	}
}

// Load parses args (typically os.Args[1:]) into a Config: flags first to
// locate --configfile and --datadir, then the config file if present,
// then flags again so a flag given on the command line always wins over
// the same key in the file.
func Load(args []string) (*Config, error) {
	cfg := Default()

	preParser := flags.NewParser(cfg, flags.Default|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	configPath := cfg.ConfigFile
	if !filepath.IsAbs(configPath) {
		configPath = filepath.Join(cfg.DataDir, configPath)
	}
	if _, err := os.Stat(configPath); err == nil {
		iniParser := flags.NewParser(cfg, flags.Default)
		if err := flags.NewIniParser(iniParser).ParseFile(configPath); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
		}
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("config: unsupported network %q", c.Network)
	}
	if c.OwnerXPub == "" {
		return fmt.Errorf("config: ownerxpub is required")
	}
	if c.HeirXPub == "" {
		return fmt.Errorf("config: heirxpub is required")
	}
	if c.CSVDelay == 0 {
		return fmt.Errorf("config: csvdelay must be non-zero")
	}
	return nil
}

// LogFilePath returns the full path of the daemon's log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, defaultLogFilename)
}

// DBPath returns the full path of the daemon's sqlite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "wallet.db")
}
