package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is immutable after Load.
type Config struct {
	Mode       string `mapstructure:"mode"`
	ListenAddr string `mapstructure:"listen_addr"`

	TLSCert   string `mapstructure:"tls_cert"`
	TLSKey    string `mapstructure:"tls_key"`
	ALPNToken string `mapstructure:"alpn_token"`

	DatabaseURL     string `mapstructure:"database_url"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
	DefaultServerID string `mapstructure:"default_server_id"`

	DevModeEnabled bool   `mapstructure:"dev_mode_enabled"`
	AuthSecret     string `mapstructure:"auth_secret"`

	MaxConnections int `mapstructure:"max_connections"`

	OutboxLease       time.Duration `mapstructure:"outbox_lease"`
	OutboxPoll        time.Duration `mapstructure:"outbox_poll"`
	OutboxBatch       int           `mapstructure:"outbox_batch"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts"`

	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
	AuthTimeout      time.Duration `mapstructure:"auth_timeout"`

	MaxTalkersDefault  int           `mapstructure:"max_talkers_default"`
	TalkerWindow       time.Duration `mapstructure:"talker_window"`
	ReceiverQueueDepth int           `mapstructure:"receiver_queue_depth"`

	ChatHistoryLimit   int `mapstructure:"chat_history_limit"`
	MaxChatBytes       int `mapstructure:"max_chat_bytes"`
	MaxAttachmentBytes int `mapstructure:"max_attachment_bytes"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("listen_addr", "0.0.0.0:4433")
	v.SetDefault("alpn_token", "chorus/1")
	v.SetDefault("database_url", "file:chorus.db")
	v.SetDefault("metrics_addr", "127.0.0.1:9300")
	v.SetDefault("dev_mode_enabled", false)
	v.SetDefault("max_connections", 10000)
	v.SetDefault("outbox_lease", "30s")
	v.SetDefault("outbox_poll", "250ms")
	v.SetDefault("outbox_batch", 64)
	v.SetDefault("outbox_max_attempts", 10)
	v.SetDefault("keepalive_timeout", "30s")
	v.SetDefault("auth_timeout", "10s")
	v.SetDefault("max_talkers_default", 4)
	v.SetDefault("talker_window", "400ms")
	v.SetDefault("receiver_queue_depth", 64)
	v.SetDefault("chat_history_limit", 50)
	v.SetDefault("max_chat_bytes", 4096)
	v.SetDefault("max_attachment_bytes", 16384)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
