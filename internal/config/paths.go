package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("STREAMOPS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".streamops")
}

// DefaultConfigPath honours $STREAMOPS_CONFIG before the home directory.
func DefaultConfigPath() string {
	if v := os.Getenv("STREAMOPS_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
