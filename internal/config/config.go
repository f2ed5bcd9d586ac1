package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StrategyMesh = "mesh"
	StrategySFU  = "sfu"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	UserID   string `mapstructure:"user_id"`
	Strategy string `mapstructure:"strategy"`

	GatewayURL   string `mapstructure:"gateway_url"`
	GatewayToken string `mapstructure:"gateway_token"`

	TokenURL  string        `mapstructure:"token_url"`
	TokenAuth string        `mapstructure:"token_auth"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	ICEServers    []string `mapstructure:"ice_servers"`
	ICEUsername   string   `mapstructure:"ice_username"`
	ICECredential string   `mapstructure:"ice_credential"`
	ICEPortMin    uint16   `mapstructure:"ice_port_min"`
	ICEPortMax    uint16   `mapstructure:"ice_port_max"`

	InputDevice string `mapstructure:"input_device"`
	InputDir    string `mapstructure:"input_dir"`
	RecordDir   string `mapstructure:"record_dir"`

	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("user_id", "")
	v.SetDefault("strategy", StrategyMesh)
	v.SetDefault("gateway_url", "ws://localhost:8081/gateway")
	v.SetDefault("gateway_token", "")
	v.SetDefault("token_url", "")
	v.SetDefault("token_auth", "")
	v.SetDefault("token_ttl", "10m")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice_username", "")
	v.SetDefault("ice_credential", "")
	v.SetDefault("ice_port_min", 0)
	v.SetDefault("ice_port_max", 0)
	v.SetDefault("input_device", "")
	v.SetDefault("input_dir", "")
	v.SetDefault("record_dir", "")
	v.SetDefault("connect_timeout", "15s")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", "1s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then VOICE_* environment
// variables. A .env file in the working directory is loaded first and never
// overrides variables that are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

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

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("strategy", cfg.Strategy).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyMesh:
		if c.GatewayURL == "" {
			return fmt.Errorf("%w: mesh strategy needs gateway_url", ErrInvalid)
		}
	case StrategySFU:
		if c.TokenURL == "" {
			return fmt.Errorf("%w: sfu strategy needs token_url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalid, c.Strategy)
	}
	if c.ICEPortMin > c.ICEPortMax {
		return fmt.Errorf("%w: ice_port_min above ice_port_max", ErrInvalid)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("%w: reconnect_attempts must not be negative", ErrInvalid)
	}
	return nil
}
