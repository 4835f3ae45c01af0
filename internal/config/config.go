// Package config locates and loads the helper's configuration. Settings come
// from defaults, then an optional config file, then environment variables,
// last writer wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const defaultFinalityTimeout = 90 * time.Second

// Config holds everything the helper needs to reach its backends.
type Config struct {
	// LedgerAPI is the base URL of the ledger gateway.
	LedgerAPI string `json:"ledger_api"`
	// IPFSAPI is the base URL of the Kubo RPC API.
	IPFSAPI string `json:"ipfs_api"`
	// FinalityTimeout bounds how long a push waits for a ledger write to
	// finalize, as a time.ParseDuration string.
	FinalityTimeout string `json:"finality_timeout"`
	// TransferWorkers bounds concurrent object uploads and downloads.
	TransferWorkers int `json:"transfer_workers"`
	// PushRetries bounds how often a push retries after losing a
	// compare-and-swap race before giving up.
	PushRetries int `json:"push_retries"`
}

// Default returns the built-in settings for a local Kubo daemon and a local
// ledger gateway.
func Default() Config {
	return Config{
		LedgerAPI:       "http://127.0.0.1:8545",
		IPFSAPI:         "http://127.0.0.1:5001/api/v0",
		FinalityTimeout: defaultFinalityTimeout.String(),
		TransferWorkers: 8,
		PushRetries:     3,
	}
}

// Dir returns the helper's config directory, e.g. ~/.config/ipset.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "ipset"), nil
}

// IdentityPath returns where the signing identity lives.
func IdentityPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "identity.json"), nil
}

// Load reads the config file if one exists and applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load() (Config, error) {
	cfg := Default()
	if dir, err := Dir(); err == nil {
		path := filepath.Join(dir, "config.json")
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("IPSET_LEDGER_API"); v != "" {
		c.LedgerAPI = v
	}
	if v := os.Getenv("IPSET_IPFS_API"); v != "" {
		c.IPFSAPI = v
	}
	if v := os.Getenv("IPSET_FINALITY_TIMEOUT"); v != "" {
		c.FinalityTimeout = v
	}
	if v := os.Getenv("IPSET_TRANSFER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TransferWorkers = n
		}
	}
	if v := os.Getenv("IPSET_PUSH_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.PushRetries = n
		}
	}
}

// FinalityBudget parses the configured finality timeout, falling back to the
// default when the value is missing or unparseable.
func (c Config) FinalityBudget() time.Duration {
	d, err := time.ParseDuration(c.FinalityTimeout)
	if err != nil || d <= 0 {
		return defaultFinalityTimeout
	}
	return d
}
