// Package config loads and persists the server's JSON configuration file,
// grounded on the teacher's cmd/server/config.go: an env-overridable path,
// first-run bootstrap with a random admin password and JWT secret, and a
// debounced save so frequent config mutations don't thrash the disk.
package config

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// Filename is the default config file name, overridable via
	// APIWATCH_CONFIG_PATH.
	Filename = "apiwatch-config.json"

	saveDelay = 5 * time.Second
)

// StoreKind selects which store.Store backend the server boots with.
type StoreKind string

const (
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
)

// Config is the server's persisted configuration.
type Config struct {
	AdminPasswordHash string    `json:"admin_password_hash"`
	JWTSecret         string    `json:"jwt_secret"`
	ListenAddr        string    `json:"listen_addr"`
	StoreKind         StoreKind `json:"store_kind"`
	SQLitePath        string    `json:"sqlite_path,omitempty"`
	PostgresDSN       string    `json:"postgres_dsn,omitempty"`
	RedisAddr         string    `json:"redis_addr,omitempty"`
	RetentionDays     int       `json:"retention_days"`
	SMTP              SMTPConfig `json:"smtp"`
}

// SMTPConfig configures the email notifier.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
}

func exeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Path returns the config file location, honoring APIWATCH_CONFIG_PATH.
func Path() string {
	if p := os.Getenv("APIWATCH_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(exeDir(), Filename)
}

// GenerateRandomString returns a random string of length drawn from an
// alphabet that excludes visually-ambiguous characters (0/O, 1/l/I), for
// passwords and secrets a human might need to retype.
func GenerateRandomString(length int) string {
	const charset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(fmt.Errorf("config: read random bytes: %w", err))
		}
		result[i] = charset[n.Int64()]
	}
	return string(result)
}

// NewWithRandomPassword returns a default Config with a freshly generated
// admin password, returning the plaintext password so it can be printed
// once on first run.
func NewWithRandomPassword() (*Config, string) {
	password := GenerateRandomString(16)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Errorf("config: hash password: %w", err))
	}
	return &Config{
		AdminPasswordHash: string(hash),
		JWTSecret:         GenerateRandomString(64),
		ListenAddr:        ":8080",
		StoreKind:         StoreSQLite,
		SQLitePath:        filepath.Join(exeDir(), "apiwatch.db"),
		RetentionDays:     7,
	}, password
}

// ResetPassword replaces the stored password hash with a freshly generated
// one and returns the plaintext.
func (c *Config) ResetPassword() string {
	password := GenerateRandomString(16)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Errorf("config: hash password: %w", err))
	}
	c.AdminPasswordHash = string(hash)
	return password
}

// Load reads the config file at Path(), creating a bootstrap config (and
// returning the generated admin password) on first run. A malformed
// existing file is treated the same as absent: a fresh config is written
// and returned, rather than leaving the server unable to start.
func Load() (cfg *Config, bootstrapPassword *string, err error) {
	path := Path()

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return nil, nil, fmt.Errorf("config: read %s: %w", path, readErr)
		}
		fresh, password := NewWithRandomPassword()
		if err := SaveImmediate(fresh); err != nil {
			return nil, nil, err
		}
		return fresh, &password, nil
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		fresh, password := NewWithRandomPassword()
		if err := SaveImmediate(fresh); err != nil {
			return nil, nil, err
		}
		return fresh, &password, nil
	}

	if c.JWTSecret == "" {
		c.JWTSecret = GenerateRandomString(64)
		if err := SaveImmediate(&c); err != nil {
			return nil, nil, err
		}
	}
	return &c, nil, nil
}

var (
	saveMu      sync.Mutex
	saveTimer   *time.Timer
	pending     *Config
	dirty       bool
)

// Save marks cfg dirty and schedules a debounced write, batching frequent
// mutations (e.g. several policy edits in a row) into one disk write.
func Save(cfg *Config) {
	saveMu.Lock()
	defer saveMu.Unlock()

	pending = cfg
	dirty = true
	if saveTimer != nil {
		return
	}
	saveTimer = time.AfterFunc(saveDelay, func() {
		saveMu.Lock()
		if !dirty || pending == nil {
			saveMu.Unlock()
			return
		}
		cfg := pending
		dirty = false
		saveTimer = nil
		saveMu.Unlock()
		_ = writeNow(cfg)
	})
}

// SaveImmediate writes cfg to disk synchronously, canceling any pending
// debounced save. Used for bootstrap and password resets, where the caller
// needs the write to have happened before it returns.
func SaveImmediate(cfg *Config) error {
	saveMu.Lock()
	if saveTimer != nil {
		saveTimer.Stop()
		saveTimer = nil
	}
	dirty = false
	pending = nil
	saveMu.Unlock()
	return writeNow(cfg)
}

func writeNow(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(Path(), data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", Path(), err)
	}
	return nil
}
