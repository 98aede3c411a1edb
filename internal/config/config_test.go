package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

var (
	signingHex = strings.Repeat("ab", 32)
	ledgerHex  = strings.Repeat("cd", 32)
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
session:
  signing_secret: `+signingHex+`
ledger:
  hmac_key: `+ledgerHex+`
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, 9443, cfg.Server.GRPCPort)
	assert.Equal(t, "0.0.0.0:9443", cfg.Server.GRPCAddr())
	assert.Equal(t, 24*time.Hour, cfg.Server.IdempotencyTTL)
	assert.Equal(t, constants.DefaultMasterKeyRotationInterval, cfg.Keys.RotationInterval)
	assert.Equal(t, constants.AccessTokenDefaultTTL, cfg.Session.AccessTokenTTL)
	assert.Equal(t, constants.DefaultLockoutThreshold, cfg.Session.LockoutThreshold)
	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, cfg.Backup.Regions)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	login := cfg.RateLimit.Actions[constants.RateActionLogin]
	assert.Equal(t, 5, login.Max)
	assert.Equal(t, 5*time.Minute, login.Window)
}

func TestLoadConfig_EnvironmentSecrets(t *testing.T) {
	t.Setenv("SENTINEL_SESSION_SIGNING_SECRET", signingHex)
	t.Setenv("SENTINEL_LEDGER_HMAC_KEY", ledgerHex)
	t.Setenv("SENTINEL_ACCESS_BOOTSTRAP_ADMIN", "root")
	t.Setenv("SENTINEL_ACCESS_BOOTSTRAP_PASSWORD", "hunter2hunter2")
	t.Setenv("SENTINEL_SERVER_PORT", "9000")

	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, signingHex, cfg.Session.SigningSecret)
	assert.Equal(t, "root", cfg.Access.BootstrapAdmin)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "session:\n  signing_secret: nothex\n"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
}

func TestLoadConfig_NumericSecretNeedsQuotes(t *testing.T) {
	digits := strings.Repeat("01", 32)

	_, err := LoadConfig(writeConfig(t, "session:\n  signing_secret: "+digits+"\nledger:\n  hmac_key: "+ledgerHex+"\n"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
	assert.Contains(t, err.Error(), "quote it in YAML")

	cfg, err := LoadConfig(writeConfig(t, "session:\n  signing_secret: \""+digits+"\"\nledger:\n  hmac_key: "+ledgerHex+"\n"))
	require.NoError(t, err)
	assert.Equal(t, digits, cfg.Session.SigningSecret)
}

func validConfig() *Config {
	return &Config{
		Keys:    KeysConfig{RotationInterval: time.Hour, CheckInterval: time.Minute},
		Session: SessionConfig{SigningSecret: signingHex, AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour, LockoutThreshold: 5, LockoutDuration: time.Minute},
		Ledger:  LedgerConfig{HMACKey: ledgerHex},
		Backup:  BackupConfig{Regions: []string{"a", "b"}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Session.SigningSecret = "abcd" }, "at least 32 bytes"},
		{"refresh shorter than access", func(c *Config) { c.Session.RefreshTokenTTL = time.Second }, "must exceed"},
		{"half bootstrap", func(c *Config) { c.Access.BootstrapAdmin = "root" }, "set together"},
		{"no check interval", func(c *Config) { c.Keys.CheckInterval = 0 }, "check_interval"},
		{"bad rate rule", func(c *Config) {
			c.RateLimit.Actions = map[string]RateLimitRule{"api": {Max: 0, Window: time.Minute}}
		}, "rate_limit.actions.api"},
		{"one region", func(c *Config) { c.Backup.Regions = []string{"a"} }, "backup.regions"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
