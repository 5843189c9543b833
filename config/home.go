package config

import (
	"os"
	"path/filepath"
)

// Home returns the user-level threads directory. It defaults to ~/.threads
// and can be overridden with THREADS_HOME.
func Home() string {
	if v := os.Getenv("THREADS_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".threads")
}

// UserItemsDir is the user space root.
func UserItemsDir() string {
	return filepath.Join(Home(), "items")
}

// UserConfigPath is the config file read when no project config exists.
func UserConfigPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// SigningKeyPath is where keygen writes the private signing key.
func SigningKeyPath() string {
	return filepath.Join(Home(), "keys", "signing.pem")
}

// EnsureHome creates the home and user items directories.
func EnsureHome() error {
	return os.MkdirAll(UserItemsDir(), 0o755)
}
