// Package config provides configuration management for the supervisor daemon.
// It supports loading configuration from environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds event bus configuration for the session adapter.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SupervisorConfig holds the supervisor core's configurable health
// thresholds, collection caps, and routing knobs.
type SupervisorConfig struct {
	StaleAfterMs        int64 `mapstructure:"staleAfterMs"`
	DisconnectedAfterMs int64 `mapstructure:"disconnectedAfterMs"`
	ActivityFeedLimit   int   `mapstructure:"activityFeedLimit"`
	ChatHistoryLimit    int   `mapstructure:"chatHistoryLimit"`
	SubtaskEventLimit   int   `mapstructure:"subtaskEventLimit"`
	ChatFeedLimit       int   `mapstructure:"chatFeedLimit"`
	HealthTickMs        int64 `mapstructure:"healthTickMs"`

	DedicatedWorkspaceEnabled bool   `mapstructure:"dedicatedWorkspaceEnabled"`
	DedicatedWorkspaceID      string `mapstructure:"dedicatedWorkspaceId"`
	FastModel                 string `mapstructure:"fastModel"`
}

// PersistenceConfig holds the snapshot file location.
type PersistenceConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// HealthTickDuration returns the health pull cadence as a time.Duration.
func (s SupervisorConfig) HealthTickDuration() time.Duration {
	return time.Duration(s.HealthTickMs) * time.Millisecond
}

// Load reads configuration from (in increasing precedence) defaults, an
// optional config file, and environment variables prefixed SUPERVISOR_.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("supervisor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.clientId", "supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("supervisor.staleAfterMs", 90_000)
	v.SetDefault("supervisor.disconnectedAfterMs", 300_000)
	v.SetDefault("supervisor.activityFeedLimit", 200)
	v.SetDefault("supervisor.chatHistoryLimit", 500)
	v.SetDefault("supervisor.subtaskEventLimit", 24)
	v.SetDefault("supervisor.chatFeedLimit", 20)
	v.SetDefault("supervisor.healthTickMs", 10_000)
	v.SetDefault("supervisor.dedicatedWorkspaceEnabled", false)
	v.SetDefault("supervisor.dedicatedWorkspaceId", "")
	v.SetDefault("supervisor.fastModel", "")

	v.SetDefault("persistence.dataDir", "./data")
}
