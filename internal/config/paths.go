package config

import (
	"os"
	"path/filepath"
)

const appName = "filetransfer"

// GetAppDir returns the application directory, honouring XDG_CONFIG_HOME.
func GetAppDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

// GetStateDBPath is the SQLite database holding resumable transfer state.
func GetStateDBPath() string {
	return filepath.Join(GetAppDir(), "state.db")
}

// GetStagingDir is the default root for per-transfer staging directories.
func GetStagingDir() string {
	return filepath.Join(GetAppDir(), "staging")
}

// GetLockPath is the single-instance lock used by the server.
func GetLockPath() string {
	return filepath.Join(GetAppDir(), "server.lock")
}

// GetPortFile records the port of the running server for CLI discovery.
func GetPortFile() string {
	return filepath.Join(GetAppDir(), "port")
}

// GetPIDFile records the PID of the running server.
func GetPIDFile() string {
	return filepath.Join(GetAppDir(), "pid")
}

// GetTokenPath holds the generated API token when settings leave it empty.
func GetTokenPath() string {
	return filepath.Join(GetAppDir(), "token")
}

// EnsureDirs creates the application directories.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetStagingDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
