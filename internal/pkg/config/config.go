package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultAPIEndpoint = "https://api.qvantum.com"
	DefaultAuthServer  = "https://identitytoolkit.googleapis.com"
	DefaultTokenServer = "https://securetoken.googleapis.com"

	DefaultFastScanInterval   = 5 * time.Second
	DefaultNormalScanInterval = 30 * time.Second

	minFastInterval   = 5 * time.Second
	maxFastInterval   = 60 * time.Second
	minNormalInterval = 10 * time.Second
	maxNormalInterval = 300 * time.Second
)

// QvantumConfig holds everything needed to talk to the cloud API.
// Credentials come from the environment only; they never appear on the
// command line or in logs.
type QvantumConfig struct {
	Email       string `env:"QVANTUM_EMAIL"`
	Password    string `env:"QVANTUM_PASSWORD"`
	APIKey      string `env:"QVANTUM_API_KEY"`
	APIEndpoint string `env:"QVANTUM_API_ENDPOINT"`
	AuthServer  string `env:"QVANTUM_AUTH_SERVER"`
	TokenServer string `env:"QVANTUM_TOKEN_SERVER"`
}

type MqttConfig struct {
	Host     string `env:"MQTT_HOST"`
	Username string `env:"MQTT_USER"`
	Password string `env:"MQTT_PASS"`
}

type Config struct {
	QvantumCfg QvantumConfig
	MqttCfg    MqttConfig

	DatabaseURL      string `env:"DATABASE_URL"`
	MigrationsFolder string `env:"MIGRATIONS_FOLDER"`

	FastScanInterval   time.Duration
	NormalScanInterval time.Duration
	InventoryTTL       time.Duration
	ListenAddr         string
	LogLevel           string
}

// FromEnv loads the environment-sourced parts of the configuration and
// fills in defaults for the rest. Flag handling in main layers tunables
// on top of this.
func FromEnv() (*Config, error) {
	cfg := &Config{
		MigrationsFolder:   "migrations",
		FastScanInterval:   DefaultFastScanInterval,
		NormalScanInterval: DefaultNormalScanInterval,
		InventoryTTL:       30 * time.Minute,
		ListenAddr:         "0.0.0.0:8000",
		LogLevel:           "info",
	}
	if err := env.Parse(&cfg.QvantumCfg); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg.MqttCfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.QvantumCfg.APIEndpoint == "" {
		cfg.QvantumCfg.APIEndpoint = DefaultAPIEndpoint
	}
	if cfg.QvantumCfg.AuthServer == "" {
		cfg.QvantumCfg.AuthServer = DefaultAuthServer
	}
	if cfg.QvantumCfg.TokenServer == "" {
		cfg.QvantumCfg.TokenServer = DefaultTokenServer
	}
	return cfg, nil
}

// Validate enforces the documented interval bounds and required
// settings. A config that fails here is fatal to the process.
func (c *Config) Validate() error {
	if c.QvantumCfg.Email == "" || c.QvantumCfg.Password == "" {
		return errors.New("QVANTUM_EMAIL and QVANTUM_PASSWORD are required")
	}
	if c.QvantumCfg.APIKey == "" {
		return errors.New("QVANTUM_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.MigrationsFolder == "" {
		return errors.New("MIGRATIONS_FOLDER is required")
	}
	if c.FastScanInterval < minFastInterval || c.FastScanInterval > maxFastInterval {
		return fmt.Errorf("fast scan interval %s outside bounds [%s, %s]",
			c.FastScanInterval, minFastInterval, maxFastInterval)
	}
	if c.NormalScanInterval < minNormalInterval || c.NormalScanInterval > maxNormalInterval {
		return fmt.Errorf("scan interval %s outside bounds [%s, %s]",
			c.NormalScanInterval, minNormalInterval, maxNormalInterval)
	}
	return nil
}
