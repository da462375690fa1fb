package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/task-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// ServerConfig holds all environment-based configuration for taskd.
type ServerConfig struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile sends logs to a rotated file instead of stdout.
	LogFile string `env:"LOG_FILE"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":5000"`

	// DBPath is the record store location. Defaults to
	// ~/.task-sync/server.db.
	DBPath string `env:"TASKS_DB_PATH"`

	// Credentials. At least one of AuthUsers or APIKeys must be set.
	AuthUsers string        `env:"AUTH_USERS"`
	APIKeys   string        `env:"API_KEYS"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"168h"`

	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`
}

// ClientConfig holds all environment-based configuration for taskctl.
type ClientConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"LOG_FILE"`

	// ServerURL is the base URL of taskd, e.g. https://tasks.example.com.
	ServerURL string `env:"TASKS_SERVER_URL"`

	// StatePath is the local queue and cache database. Defaults to
	// ~/.task-sync/client.db.
	StatePath string `env:"TASKS_STATE_PATH"`

	// Username is the default for `taskctl login`.
	Username string `env:"TASKS_USERNAME"`

	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

func parseEnv(cfg interface{}) error {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	return nil
}

// LoadServer reads server configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		path, err := defaultPath("server.db")
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.AuthUsers == "" && c.APIKeys == "" {
		return fmt.Errorf("at least one auth method required: AUTH_USERS or API_KEYS")
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	if _, err := c.ParseUsers(); err != nil {
		return err
	}

	if _, err := c.ParseAPIKeys(); err != nil {
		return err
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.StatePath == "" {
		path, err := defaultPath("client.db")
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("TASKS_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TASKS_SERVER_URL must be an http or https URL")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	return nil
}

// defaultPath returns ~/.task-sync/<name>.
func defaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".task-sync", name), nil
}

// ParseUsers parses the AUTH_USERS string into a UserCredentials map.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2". Hashes are produced
// by `taskd hash-password`.
func (c *ServerConfig) ParseUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.AuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or password hash in entry %d", len(users)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the API_KEYS string.
// Format: "user1:tk_key1,user2:tk_key2"
func (c *ServerConfig) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
