// Package config loads the payflow server configuration: built-in defaults,
// then an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"payflow/agreement"
)

// Backend names the store a server runs on.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

var (
	ErrMissingDatabaseURL = errors.New("config: postgres backend requires database_url")
	ErrMissingJWTSecret   = errors.New("config: jwt_secret is required")
)

// Config is the resolved server configuration.
type Config struct {
	Backend            Backend `yaml:"backend"`
	DatabaseURL        string  `yaml:"database_url"`
	SQLitePath         string  `yaml:"sqlite_path"`
	ListenAddr         string  `yaml:"listen_addr"`
	LogLevel           string  `yaml:"log_level"`
	JWTSecret          string  `yaml:"jwt_secret"`
	ContractAddress    string  `yaml:"contract_address"`
	Owner              string  `yaml:"owner"`
	Arbiter            string  `yaml:"arbiter"`
	PayrollBatchPolicy string  `yaml:"payroll_batch_policy"`
	MaxConns           int32   `yaml:"max_conns"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Backend:            BackendMemory,
		SQLitePath:         "payflow.db",
		ListenAddr:         ":8080",
		LogLevel:           "info",
		ContractAddress:    "contract_payflow",
		PayrollBatchPolicy: "partial",
		MaxConns:           4,
	}
}

// Load resolves the configuration. A missing file at path is not an error;
// an empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	backend := string(cfg.Backend)
	set(&backend, "PAYFLOW_BACKEND")
	cfg.Backend = Backend(backend)
	set(&cfg.DatabaseURL, "PAYFLOW_DATABASE_URL", "DATABASE_URL")
	set(&cfg.SQLitePath, "PAYFLOW_SQLITE_PATH")
	set(&cfg.ListenAddr, "PAYFLOW_LISTEN_ADDR")
	set(&cfg.LogLevel, "PAYFLOW_LOG_LEVEL")
	set(&cfg.JWTSecret, "PAYFLOW_JWT_SECRET")
	set(&cfg.ContractAddress, "PAYFLOW_CONTRACT_ADDRESS")
	set(&cfg.Owner, "PAYFLOW_OWNER")
	set(&cfg.Arbiter, "PAYFLOW_ARBITER")
	set(&cfg.PayrollBatchPolicy, "PAYFLOW_PAYROLL_BATCH_POLICY")
}

// Validate checks field combinations Load cannot default.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Backend == BackendSQLite && c.SQLitePath == "" {
		return errors.New("config: sqlite backend requires sqlite_path")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := agreement.ParseBatchPolicy(c.PayrollBatchPolicy); err != nil {
		return fmt.Errorf("config: payroll_batch_policy: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}
