// Package config loads mcpanel settings.
//
// Precedence (highest to lowest): MCPANEL_* environment variables (a .env
// file is loaded into the environment first), the YAML config file, defaults.
// The bot's historical TG_BOT_TOKEN and ALLOWED_CHAT_ID variables are still
// honored.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerID string `mapstructure:"server_id"`
	// DataDir holds the Badger lifecycle store.
	DataDir string `mapstructure:"data_dir"`

	Log       LogConfig       `mapstructure:"log"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Backup    BackupConfig    `mapstructure:"backup"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	API       APIConfig       `mapstructure:"api"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelegramConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Token         string `mapstructure:"token"`
	AllowedChatID int64  `mapstructure:"allowed_chat_id"`
}

type CloudConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIToken     string        `mapstructure:"api_token"`
	Region       string        `mapstructure:"region"`
	Flavor       string        `mapstructure:"flavor"`
	Image        string        `mapstructure:"image"`
	UserDataFile string        `mapstructure:"user_data_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type BackupConfig struct {
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

type SSHConfig struct {
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	Port           int           `mapstructure:"port"`
	GamePort       int           `mapstructure:"game_port"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StartCommand   string        `mapstructure:"start_command"`
	StopCommand    string        `mapstructure:"stop_command"`
	WorldDir       string        `mapstructure:"world_dir"`
}

type LifecycleConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	// LeaseTTL bounds how long a crashed replica's operation stays owned.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type APIConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type NATSConfig struct {
	// URL is optional; events are only published when set.
	URL string `mapstructure:"url"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

var defaults = map[string]any{
	"server_id":  "minecraft",
	"data_dir":   "./data/mcpanel",
	"log.level":  "info",
	"log.format": "json",

	"telegram.enabled": true,

	"cloud.base_url":      "http://localhost:8080",
	"cloud.region":        "ru-9",
	"cloud.flavor":        "standard-4-8",
	"cloud.image":         "ubuntu-24.04-minecraft",
	"cloud.poll_interval": 2 * time.Second,

	"backup.prefix":         "backups/",
	"backup.region":         "us-east-1",
	"backup.presign_expiry": time.Hour,

	"ssh.user":          "minecraft",
	"ssh.port":          22,
	"ssh.game_port":     25565,
	"ssh.dial_timeout":  10 * time.Second,
	"ssh.poll_interval": 5 * time.Second,
	"ssh.start_command": "sudo systemctl start minecraft",
	"ssh.stop_command":  "sudo systemctl stop minecraft",
	"ssh.world_dir":     "/opt/minecraft/world",

	"lifecycle.max_retries":     5,
	"lifecycle.initial_backoff": 2 * time.Second,
	"lifecycle.max_backoff":     30 * time.Second,
	"lifecycle.call_timeout":    5 * time.Minute,
	"lifecycle.ready_timeout":   10 * time.Minute,
	"lifecycle.probe_timeout":   15 * time.Second,
	"lifecycle.lease_ttl":       15 * time.Second,

	"api.grpc_addr":    ":50051",
	"api.http_addr":    ":8081",
	"api.metrics_addr": ":9090",

	"nats.url": "",

	"tracing.enabled":     false,
	"tracing.sample_rate": 1.0,
}

// Load reads configPath (optional) and the environment. envFile names a
// dotenv file to load first; ".env" when empty. A missing file is not an
// error.
func Load(configPath, envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("MCPANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.token", "MCPANEL_TELEGRAM_TOKEN", "TG_BOT_TOKEN")
	_ = v.BindEnv("telegram.allowed_chat_id", "MCPANEL_TELEGRAM_ALLOWED_CHAT_ID", "ALLOWED_CHAT_ID")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerID == "" {
		errs = append(errs, errors.New("server_id is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram.token (or TG_BOT_TOKEN) is required"))
		}
		if c.Telegram.AllowedChatID == 0 {
			errs = append(errs, errors.New("telegram.allowed_chat_id (or ALLOWED_CHAT_ID) is required"))
		}
	}
	if c.Cloud.BaseURL == "" {
		errs = append(errs, errors.New("cloud.base_url is required"))
	}
	if c.Backup.Bucket == "" {
		errs = append(errs, errors.New("backup.bucket is required"))
	}
	if c.SSH.KeyFile == "" {
		errs = append(errs, errors.New("ssh.key_file is required"))
	}
	if c.Lifecycle.MaxRetries < 0 {
		errs = append(errs, errors.New("lifecycle.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}
