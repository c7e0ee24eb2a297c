// Package commands implements the reliefsync command line.
package commands

import (
	"io"
	"os"
	"path/filepath"

	"github.com/kimhsiao/reliefsync/backend/internal/app"
)

// Flags holds the global flags and the engine opened in the Before hook.
type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	DataDir    string

	// App is opened in the Before hook and closed in After.
	App *app.App

	// Out receives command output. Defaults to os.Stdout.
	Out io.Writer
}

func (f *Flags) out() io.Writer {
	if f.Out == nil {
		return os.Stdout
	}
	return f.Out
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "reliefsync", "config.yaml")
}

// DefaultDataDir returns the default data directory using XDG_DATA_HOME.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "reliefsync")
}
