package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/smallrender/farm"
)

const appName = "smallrender-farm"

// resolveConfigPath returns the effective config path: the --config
// flag if set, else <app data dir>/config.yaml.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	dir, err := farm.AppDataDir(appName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// loadConfig reads the node config, failing with a hint to run `init`
// if it doesn't exist yet.
func loadConfig() (farm.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return farm.Config{}, err
	}
	cfg, err := farm.LoadConfig(path)
	if os.IsNotExist(err) {
		return farm.Config{}, fmt.Errorf("no config at %s — run `farmnode init <sync-root>` first", path)
	}
	return cfg, err
}

// loadOrCreateNodeID resolves this machine's persisted node identity.
func loadOrCreateNodeID() (string, error) {
	dir, err := farm.AppDataDir(appName)
	if err != nil {
		return "", err
	}
	return farm.LoadOrCreateNodeID(dir)
}
