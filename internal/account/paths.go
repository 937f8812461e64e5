package account

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.sealdm, or $SEALDM_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("SEALDM_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sealdm")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// SocketPath returns the control socket path for an account.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for an account.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the app-owned sealdm.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "sealdm.db")
}

// CacheDir returns the per-room plaintext cache root.
func CacheDir(name string) string {
	return filepath.Join(Dir(name), "cache")
}

// KeysDir returns the secure-storage directory for the wrapped private key.
func KeysDir(name string) string {
	return filepath.Join(Dir(name), "keys")
}

// EnvPath returns the .env file holding the access token.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "sealdmd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), CacheDir(name), KeysDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
