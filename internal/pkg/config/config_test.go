package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		QvantumCfg: QvantumConfig{
			Email:    "user@example.com",
			Password: "secret",
			APIKey:   "key",
		},
		DatabaseURL:        "postgres://localhost/qvantum",
		MigrationsFolder:   "migrations",
		FastScanInterval:   DefaultFastScanInterval,
		NormalScanInterval: DefaultNormalScanInterval,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := validConfig()
	cfg.QvantumCfg.Email = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.QvantumCfg.APIKey = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.MigrationsFolder = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateIntervalBounds(t *testing.T) {
	cfg := validConfig()
	cfg.FastScanInterval = time.Second
	assert.Error(t, cfg.Validate(), "fast interval below floor")

	cfg = validConfig()
	cfg.FastScanInterval = 2 * time.Minute
	assert.Error(t, cfg.Validate(), "fast interval above ceiling")

	cfg = validConfig()
	cfg.NormalScanInterval = 5 * time.Second
	assert.Error(t, cfg.Validate(), "normal interval below floor")

	cfg = validConfig()
	cfg.NormalScanInterval = 10 * time.Minute
	assert.Error(t, cfg.Validate(), "normal interval above ceiling")

	cfg = validConfig()
	cfg.FastScanInterval = 60 * time.Second
	cfg.NormalScanInterval = 300 * time.Second
	assert.NoError(t, cfg.Validate(), "bounds are inclusive")
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("QVANTUM_EMAIL", "user@example.com")
	t.Setenv("QVANTUM_PASSWORD", "secret")
	t.Setenv("QVANTUM_API_KEY", "key")
	t.Setenv("DATABASE_URL", "postgres://localhost/qvantum")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "migrations", cfg.MigrationsFolder)
	assert.Equal(t, DefaultAPIEndpoint, cfg.QvantumCfg.APIEndpoint)
	assert.Equal(t, DefaultAuthServer, cfg.QvantumCfg.AuthServer)
	assert.Equal(t, DefaultTokenServer, cfg.QvantumCfg.TokenServer)
	assert.Equal(t, DefaultFastScanInterval, cfg.FastScanInterval)
	assert.Equal(t, DefaultNormalScanInterval, cfg.NormalScanInterval)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvEndpointOverride(t *testing.T) {
	t.Setenv("QVANTUM_API_ENDPOINT", "https://staging.example.com")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", cfg.QvantumCfg.APIEndpoint)
}
