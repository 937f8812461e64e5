package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// TokenEnv is the variable holding the server access token.
const TokenEnv = "SEALDM_ACCESS_TOKEN"

// ErrNoToken is returned when no access token is stored for the account.
var ErrNoToken = errors.New("no access token stored")

// Duration is a time.Duration that reads and writes TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.sealdm/config.toml.
type Config struct {
	DefaultAccount string    `toml:"default_account"`
	LogLevel       string    `toml:"log_level"`
	MetricsAddr    string    `toml:"metrics_addr"`
	Server         Server    `toml:"server"`
	Transport      Transport `toml:"transport"`
	Sync           Sync      `toml:"sync"`
}

// Server holds the endpoints of the messaging backend.
type Server struct {
	APIBaseURL string `toml:"api_base_url"`
	WSBaseURL  string `toml:"ws_base_url"`
	UserID     string `toml:"user_id"`
}

// Transport tunes the WebSocket channel.
type Transport struct {
	Heartbeat   Duration `toml:"heartbeat"`
	MaxBackoff  Duration `toml:"max_backoff"`
	SwitchDelay Duration `toml:"switch_delay"`
}

// Sync tunes the per-room sync engine.
type Sync struct {
	PageSize           int      `toml:"page_size"`
	ReadDebounce       Duration `toml:"read_debounce"`
	MatchWindow        Duration `toml:"match_window"`
	DecryptConcurrency int      `toml:"decrypt_concurrency"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Transport.Heartbeat.Duration <= 0 {
		c.Transport.Heartbeat.Duration = 30 * time.Second
	}
	if c.Transport.MaxBackoff.Duration <= 0 {
		c.Transport.MaxBackoff.Duration = 30 * time.Second
	}
	if c.Transport.SwitchDelay.Duration <= 0 {
		c.Transport.SwitchDelay.Duration = 150 * time.Millisecond
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 30
	}
	if c.Sync.ReadDebounce.Duration <= 0 {
		c.Sync.ReadDebounce.Duration = 300 * time.Millisecond
	}
	if c.Sync.MatchWindow.Duration <= 0 {
		c.Sync.MatchWindow.Duration = 10 * time.Second
	}
	if c.Sync.DecryptConcurrency <= 0 {
		c.Sync.DecryptConcurrency = 5
	}
}

// Load reads config from the given path and fills defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load, falling back to Defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadToken returns the access token from the process environment or, failing
// that, from the account's .env file. A missing file is not an error.
func LoadToken(envPath string) (string, error) {
	if tok := os.Getenv(TokenEnv); tok != "" {
		return tok, nil
	}
	vars, err := godotenv.Read(envPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if tok := vars[TokenEnv]; tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// SaveToken writes the access token into the account's .env file.
func SaveToken(envPath, token string) error {
	if err := os.MkdirAll(filepath.Dir(envPath), 0700); err != nil {
		return err
	}
	if err := godotenv.Write(map[string]string{TokenEnv: token}, envPath); err != nil {
		return err
	}
	return os.Chmod(envPath, 0600)
}
