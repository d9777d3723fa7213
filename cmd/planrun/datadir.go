// ABOUTME: XDG data and config directory resolution for the planrun CLI.
// ABOUTME: Honours XDG_DATA_HOME / XDG_CONFIG_HOME, falling back to ~/.local/share/planrun and ~/.config/planrun.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultDataDir is where checkpoints and progress logs live by default.
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "planrun"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "planrun"), nil
}

// defaultConfigPath is the config file read when --config is not given.
func defaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "planrun", "config.yaml"), nil
}
