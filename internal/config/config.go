// Package config loads the server configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmynk/royalties/internal/money"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Environment variables that override the file.
const (
	EnvConfigPath    = "ROYALTY_CONFIG"
	EnvAddr          = "ROYALTY_ADDR"
	EnvDBPath        = "DB_PATH"
	EnvAuditPath     = "AUDIT_PATH"
	EnvJWTSecret     = "JWT_SECRET"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "ROYALTY_LOG_FORMAT"
	EnvPlatformFee   = "ROYALTY_PLATFORM_FEE_BPS"
	EnvMaxAttempts   = "ROYALTY_MAX_ATTEMPTS"
	EnvFinalityDelay = "ROYALTY_FINALITY_DELAY"
)

// SubstrateSimulated is the only substrate mode this server ships with.
const SubstrateSimulated = "simulated"

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	AuditPath  string `yaml:"audit_path"`
}

type DistributionConfig struct {
	// ShareTolerance is how far split shares may sum from 1, as a decimal.
	ShareTolerance string `yaml:"share_tolerance"`
	PlatformFeeBps int64  `yaml:"platform_fee_bps"`
}

type SettlementConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// Principals may exchange an API key for a token through Login.
	Principals []PrincipalConfig `yaml:"principals,omitempty"`
}

// PrincipalConfig is one API key holder. KeyHash is a bcrypt hash as
// printed by `token -hash-key`.
type PrincipalConfig struct {
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"`
	KeyHash string `yaml:"key_hash"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SubstrateConfig struct {
	Mode string `yaml:"mode"`

	// FinalityDelay is how long simulated transfers stay pending. Zero
	// leaves them pending until finality is reported over RPC.
	FinalityDelay time.Duration `yaml:"finality_delay"`
}

// Config models the YAML file.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Distribution DistributionConfig `yaml:"distribution"`
	Settlement   SettlementConfig   `yaml:"settlement"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
	Substrate    SubstrateConfig    `yaml:"substrate"`
}

// Default returns the built-in configuration. It has no JWT secret, so it
// does not validate on its own.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{SQLitePath: "./data/royalties.db", AuditPath: "./data/audit.db"},
		Distribution: DistributionConfig{
			ShareTolerance: "0.000001",
		},
		Settlement: SettlementConfig{
			MaxAttempts:   5,
			BaseBackoff:   time.Second,
			MaxBackoff:    5 * time.Minute,
			RetryInterval: 5 * time.Second,
			Workers:       4,
			BatchSize:     100,
		},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
		Log:       LogConfig{Level: "info", Format: "text"},
		Substrate: SubstrateConfig{Mode: SubstrateSimulated, FinalityDelay: 2 * time.Second},
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides. An empty path skips the file. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvAddr, &c.Server.Addr)
	str(EnvDBPath, &c.Storage.SQLitePath)
	str(EnvAuditPath, &c.Storage.AuditPath)
	str(EnvJWTSecret, &c.Auth.JWTSecret)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)

	if v, ok := lookup(EnvPlatformFee); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPlatformFee, ErrInvalid)
		}
		c.Distribution.PlatformFeeBps = n
	}
	if v, ok := lookup(EnvMaxAttempts); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxAttempts, ErrInvalid)
		}
		c.Settlement.MaxAttempts = n
	}
	if v, ok := lookup(EnvFinalityDelay); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFinalityDelay, ErrInvalid)
		}
		c.Substrate.FinalityDelay = d
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Storage.SQLitePath != "", "storage.sqlite_path is required")
	check(c.Storage.AuditPath != "", "storage.audit_path is required")
	check(c.Storage.SQLitePath != c.Storage.AuditPath, "storage paths must differ")

	tol, err := c.Tolerance()
	check(err == nil && tol < money.One/100, "distribution.share_tolerance must be a decimal below 0.01")
	check(c.Distribution.PlatformFeeBps >= 0 && c.Distribution.PlatformFeeBps < 10000,
		"distribution.platform_fee_bps must be in [0, 10000)")

	s := c.Settlement
	check(s.MaxAttempts >= 1, "settlement.max_attempts must be at least 1")
	check(s.BaseBackoff > 0 && s.MaxBackoff >= s.BaseBackoff, "settlement backoff must satisfy 0 < base_backoff <= max_backoff")
	check(s.RetryInterval > 0, "settlement.retry_interval must be positive")
	check(s.Workers >= 1, "settlement.workers must be at least 1")
	check(s.BatchSize >= 1, "settlement.batch_size must be at least 1")

	check(len(c.Auth.JWTSecret) >= 16, "auth.jwt_secret must be at least 16 bytes (set "+EnvJWTSecret+")")
	check(c.Auth.TokenTTL > 0, "auth.token_ttl must be positive")
	seen := make(map[string]bool)
	for _, p := range c.Auth.Principals {
		check(p.Subject != "" && !seen[p.Subject], "auth.principals need unique subjects")
		check(p.Role == "registry" || p.Role == "reporter" || p.Role == "operator",
			"auth.principals["+p.Subject+"].role must be registry, reporter or operator")
		check(strings.HasPrefix(p.KeyHash, "$2"), "auth.principals["+p.Subject+"].key_hash must be a bcrypt hash")
		seen[p.Subject] = true
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "log.level must be debug, info, warn or error")
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")

	check(c.Substrate.Mode == SubstrateSimulated, "substrate.mode must be "+SubstrateSimulated)
	check(c.Substrate.FinalityDelay >= 0, "substrate.finality_delay must not be negative")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Tolerance parses distribution.share_tolerance.
func (c *Config) Tolerance() (money.Share, error) {
	return money.ParseShare(c.Distribution.ShareTolerance)
}
