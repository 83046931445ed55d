package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "TELECALL"

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Secret   string `mapstructure:"secret"`
	AuthMode string `mapstructure:"auth_mode"`

	Call   CallConfig   `mapstructure:"call"`
	Signal SignalConfig `mapstructure:"signal"`
	Media  MediaConfig  `mapstructure:"media"`
	Store  StoreConfig  `mapstructure:"store"`
}

type CallConfig struct {
	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	RetainEnded      time.Duration `mapstructure:"retain_ended"`
	RetainMax        int           `mapstructure:"retain_max"`
	StartRate        float64       `mapstructure:"start_rate"`
	StartBurst       int           `mapstructure:"start_burst"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

type SignalConfig struct {
	// URL of a WebSocket relay; empty keeps signaling in-process.
	URL        string        `mapstructure:"url"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

type MediaConfig struct {
	Provider   string   `mapstructure:"provider"`
	ICEServers []string `mapstructure:"ice_servers"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("auth_mode", "dev")

	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.grace_period", "10s")
	v.SetDefault("call.retain_ended", "1m")
	v.SetDefault("call.retain_max", 1024)
	v.SetDefault("call.start_rate", 1.0)
	v.SetDefault("call.start_burst", 5)
	v.SetDefault("call.subscriber_buffer", 32)

	v.SetDefault("signal.url", "")
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.read_limit", 65536)

	v.SetDefault("media.provider", "fake")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("store.driver", "")
	v.SetDefault("store.dsn", "")
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then TELECALL_* overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit yaml path. A missing file means defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.AuthMode {
	case "dev":
	case "jwt":
		if c.Secret == "" {
			return errors.New("config: auth_mode jwt needs a secret")
		}
	default:
		return fmt.Errorf("config: unknown auth_mode %q", c.AuthMode)
	}
	switch c.Media.Provider {
	case "fake", "system":
	default:
		return fmt.Errorf("config: unknown media.provider %q", c.Media.Provider)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Call.RingTimeout <= 0 {
		return errors.New("config: call.ring_timeout must be positive")
	}
	return nil
}
