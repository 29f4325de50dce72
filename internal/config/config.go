// Package config loads console settings from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Credential store backends.
const (
	StoreFile   = "file"
	StoreSQL    = "sql"
	StoreMemory = "memory"
)

// Config is the full console configuration.
type Config struct {
	API struct {
		BaseURL           string        `env:"CONSOLE_API_BASE_URL,default=https://kluboksrm.ru"`
		Version           string        `env:"CONSOLE_API_VERSION,default=v1"`
		Timeout           time.Duration `env:"CONSOLE_API_TIMEOUT,default=30s"`
		RequestsPerSecond float64       `env:"CONSOLE_API_RPS,default=10"`
		Burst             int           `env:"CONSOLE_API_BURST,default=10"`
	}
	Credentials struct {
		Backend    string `env:"CONSOLE_CREDSTORE,default=file"`
		Dir        string `env:"CONSOLE_CREDSTORE_DIR"`
		Passphrase string `env:"CONSOLE_CREDSTORE_PASSPHRASE"`
		DSN        string `env:"CONSOLE_CREDSTORE_DSN"`
		WorkFactor int    `env:"CONSOLE_CREDSTORE_WORK_FACTOR,default=18"`
	}
	Invite struct {
		Domain   string `env:"CONSOLE_INVITE_DOMAIN,default=kluboksrm.ru"`
		Password string `env:"CONSOLE_INVITE_PASSWORD"`
	}
	LogLevel string `env:"CONSOLE_LOG_LEVEL,default=info"`
	Actor    string `env:"CONSOLE_ACTOR"`
}

// Load reads envFile when it exists (variables already set win), then decodes the environment.
// An empty envFile means ".env" in the working directory.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Credentials.Backend = strings.ToLower(strings.TrimSpace(c.Credentials.Backend))
	if c.Credentials.Dir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.Credentials.Dir = filepath.Join(dir, "mkr-console")
		} else {
			c.Credentials.Dir = ".mkr-console"
		}
	}
	c.Invite.Domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Invite.Domain), "@"))
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Credentials.Backend {
	case StoreFile:
		if c.Credentials.Passphrase == "" {
			return errors.New("config: CONSOLE_CREDSTORE_PASSPHRASE is required for the file credential store")
		}
	case StoreSQL:
		if c.Credentials.DSN == "" {
			return errors.New("config: CONSOLE_CREDSTORE_DSN is required for the sql credential store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown credential store %q", c.Credentials.Backend)
	}
	if c.Credentials.WorkFactor < 10 || c.Credentials.WorkFactor > 22 {
		return errors.New("config: CONSOLE_CREDSTORE_WORK_FACTOR must be between 10 and 22")
	}
	if c.API.Timeout <= 0 {
		return errors.New("config: CONSOLE_API_TIMEOUT must be positive")
	}
	if c.API.RequestsPerSecond < 0 || c.API.Burst < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if c.Invite.Domain == "" {
		return errors.New("config: CONSOLE_INVITE_DOMAIN is required")
	}
	if _, err := mail.ParseAddress("probe@" + c.Invite.Domain); err != nil {
		return fmt.Errorf("config: invalid invite domain %q", c.Invite.Domain)
	}
	return nil
}
