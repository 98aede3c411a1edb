package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/turtacn/sentinel/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Session   SessionConfig   `mapstructure:"session"`
	Access    AccessConfig    `mapstructure:"access"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	WAF       WAFConfig       `mapstructure:"waf"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	EnablePprof  bool          `mapstructure:"enable_pprof"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	// IdempotencyTTL is how long an Idempotency-Key is remembered. Zero disables the check.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	// GRPCPort serves the gRPC health surface. Zero disables it.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddr returns the gRPC listen address.
func (c ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// DatabaseConfig selects the GORM dialect. Driver "sqlite" takes a file path or
// ":memory:" as DSN, "postgres" takes a libpq DSN.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	AuditTopic   string        `mapstructure:"audit_topic"`
	AlertTopic   string        `mapstructure:"alert_topic"`
	EventTopic   string        `mapstructure:"event_topic"`
	GroupID      string        `mapstructure:"group_id"`
	RequiredAcks int           `mapstructure:"required_acks"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type VaultConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
}

// KeysConfig drives the KeyManager.
type KeysConfig struct {
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
}

// SessionConfig drives the SessionAuthority.
type SessionConfig struct {
	// SigningSecret is hex encoded, at least 32 bytes once decoded.
	SigningSecret    string        `mapstructure:"signing_secret"`
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `mapstructure:"refresh_token_ttl"`
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
	LockoutWindow    time.Duration `mapstructure:"lockout_window"`
	MFAIssuer        string        `mapstructure:"mfa_issuer"`
}

// AccessConfig seeds the authorization engine. BootstrapAdmin is registered with
// BootstrapPassword and granted the admin role at startup when both are set.
type AccessConfig struct {
	BootstrapAdmin    string `mapstructure:"bootstrap_admin"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

// RateLimitRule is one entry of the per-action rate limit table.
type RateLimitRule struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Enabled bool                     `mapstructure:"enabled"`
	Actions map[string]RateLimitRule `mapstructure:"actions"`
}

type WAFConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	RuleFile string `mapstructure:"rule_file"`
	Watch    bool   `mapstructure:"watch"`
}

type MonitorConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	BruteForceThreshold   int           `mapstructure:"brute_force_threshold"`
	ExfiltrationThreshold int           `mapstructure:"exfiltration_threshold"`
	ExfiltrationCritical  int           `mapstructure:"exfiltration_critical"`
	BlockTTL              time.Duration `mapstructure:"block_ttl"`
	AlertsPerSecond       float64       `mapstructure:"alerts_per_second"`
}

type LedgerConfig struct {
	// HMACKey is hex encoded and keys both the hash chain and pseudonyms.
	HMACKey  string   `mapstructure:"hmac_key"`
	PIIKeys  []string `mapstructure:"pii_keys"`
	Persist  bool     `mapstructure:"persist"`
	Mirror   bool     `mapstructure:"mirror"`
	Controls []string `mapstructure:"controls"`
}

type BackupConfig struct {
	Regions       []string `mapstructure:"regions"`
	Directory     string   `mapstructure:"directory"`
	RetentionDays int      `mapstructure:"retention_days"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// SigningSecretBytes decodes the session signing secret.
func (c SessionConfig) SigningSecretBytes() ([]byte, error) {
	return decodeHexSecret("session.signing_secret", c.SigningSecret)
}

// HMACKeyBytes decodes the ledger HMAC key.
func (c LedgerConfig) HMACKeyBytes() ([]byte, error) {
	return decodeHexSecret("ledger.hmac_key", c.HMACKey)
}

func decodeHexSecret(name, value string) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex encoded: %w", name, err)
	}
	if len(b) < 32 {
		return nil, fmt.Errorf("%s must decode to at least 32 bytes, got %d", name, len(b))
	}
	return b, nil
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	if _, err := c.Session.SigningSecretBytes(); err != nil {
		return err
	}
	if _, err := c.Ledger.HMACKeyBytes(); err != nil {
		return err
	}
	if c.Session.AccessTokenTTL <= 0 || c.Session.RefreshTokenTTL <= 0 {
		return fmt.Errorf("session token TTLs must be positive")
	}
	if c.Session.RefreshTokenTTL <= c.Session.AccessTokenTTL {
		return fmt.Errorf("refresh token TTL must exceed access token TTL")
	}
	if c.Session.LockoutThreshold <= 0 || c.Session.LockoutDuration <= 0 {
		return fmt.Errorf("lockout threshold and duration must be positive")
	}
	if (c.Access.BootstrapAdmin == "") != (c.Access.BootstrapPassword == "") {
		return fmt.Errorf("access.bootstrap_admin and access.bootstrap_password must be set together")
	}
	if c.Keys.RotationInterval <= 0 || c.Keys.CheckInterval <= 0 {
		return fmt.Errorf("keys.rotation_interval and keys.check_interval must be positive")
	}
	for action, rule := range c.RateLimit.Actions {
		if rule.Max <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate_limit.actions.%s needs positive max and window", action)
		}
	}
	if len(c.Backup.Regions) < constants.MinBackupRegions {
		return fmt.Errorf("backup.regions needs at least %d regions", constants.MinBackupRegions)
	}
	if c.Database.Driver != "" && c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
