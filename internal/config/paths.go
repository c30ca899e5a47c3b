package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "chatvault-data"
		}
	}
	return filepath.Join(dir, "chatvault")
}

// FilePath is where Load looks for the JSON config file.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "chatvault", "config.json")
}

// SessionDir is the directory holding conversation session files.
func (c StorageConfig) SessionDir() string {
	return filepath.Join(c.DataDir, "conversations")
}
