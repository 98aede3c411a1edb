package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

// EnvPrefix is the prefix of environment overrides, e.g. SENTINEL_SESSION_SIGNING_SECRET.
const EnvPrefix = "SENTINEL"

// SetDefaults registers every default knob on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.idempotency_ttl", "24h")
	v.SetDefault("server.grpc_port", 9443)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "sentinel.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.key_prefix", "sentinel")

	v.SetDefault("kafka.audit_topic", "sentinel.audit")
	v.SetDefault("kafka.alert_topic", "sentinel.alerts")
	v.SetDefault("kafka.event_topic", "sentinel.security-events")
	v.SetDefault("kafka.group_id", "sentinel-monitor")
	v.SetDefault("kafka.required_acks", -1)
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "50ms")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("vault.mount_path", "secret/data/sentinel")

	v.SetDefault("keys.rotation_interval", constants.DefaultMasterKeyRotationInterval.String())
	v.SetDefault("keys.check_interval", "1h")

	v.SetDefault("session.access_token_ttl", constants.AccessTokenDefaultTTL.String())
	v.SetDefault("session.refresh_token_ttl", constants.RefreshTokenDefaultTTL.String())
	v.SetDefault("session.lockout_threshold", constants.DefaultLockoutThreshold)
	v.SetDefault("session.lockout_duration", constants.DefaultLockoutDuration.String())
	v.SetDefault("session.lockout_window", constants.DefaultLockoutWindow.String())
	v.SetDefault("session.mfa_issuer", "Sentinel")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.actions", map[string]interface{}{
		constants.RateActionLogin:   map[string]interface{}{"max": 5, "window": "5m"},
		constants.RateActionAPI:     map[string]interface{}{"max": 1000, "window": "1m"},
		constants.RateActionMFA:     map[string]interface{}{"max": 10, "window": "5m"},
		constants.RateActionRefresh: map[string]interface{}{"max": 30, "window": "1m"},
	})

	v.SetDefault("waf.enabled", true)
	v.SetDefault("waf.watch", true)

	v.SetDefault("monitor.interval", constants.DefaultMonitorInterval.String())
	v.SetDefault("monitor.brute_force_threshold", constants.BruteForceThreshold)
	v.SetDefault("monitor.exfiltration_threshold", constants.ExfiltrationThreshold)
	v.SetDefault("monitor.exfiltration_critical", constants.ExfiltrationCriticalLimit)
	v.SetDefault("monitor.block_ttl", constants.DefaultBruteForceBlockTTL.String())
	v.SetDefault("monitor.alerts_per_second", 5.0)

	v.SetDefault("ledger.pii_keys", []string{"email", "ip", "ip_address", "name", "phone", "user_agent", "address", "subject_id"})
	v.SetDefault("ledger.persist", true)

	v.SetDefault("backup.regions", []string{"eu-west-1", "us-east-1"})
	v.SetDefault("backup.directory", "backups")
	v.SetDefault("backup.retention_days", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.service_name", "sentinel")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sampling_rate", 0.1)
}

// envOnlyKeys have no default and are usually secrets supplied through the
// environment.
var envOnlyKeys = []string{
	"session.signing_secret",
	"ledger.hmac_key",
	"access.bootstrap_admin",
	"access.bootstrap_password",
	"vault.enabled",
	"vault.address",
	"vault.token",
	"redis.enabled",
	"redis.password",
	"kafka.enabled",
	"kafka.brokers",
	"tracing.enabled",
	"tracing.jaeger_endpoint",
}

var hexSecretKeys = []string{"session.signing_secret", "ledger.hmac_key"}

// LoadConfig loads the configuration from file, environment variables and defaults.
// path may be empty, in which case config.yaml is searched in /etc/sentinel and ".".
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sentinel/")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to read config file")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env values for keys viper already knows about.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to bind "+key)
		}
	}

	// An unquoted all-digit hex secret decodes as a number and would be mangled
	// before Validate ever sees it.
	for _, key := range hexSecretKeys {
		if raw := v.Get(key); raw != nil {
			if _, ok := raw.(string); !ok {
				return nil, errors.ErrInvalidRequest(fmt.Sprintf("%s must be a string, quote it in YAML (got %T)", key, raw))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid configuration")
	}

	return &cfg, nil
}
