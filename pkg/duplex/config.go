package duplex

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Vendor      VendorConfig    `mapstructure:"vendor"`
	Session     SessionConfig   `mapstructure:"session"`
	Audio       AudioConfig     `mapstructure:"audio"`
	Reconnect   ReconnectConfig `mapstructure:"reconnect"`
	Dump        DumpConfig      `mapstructure:"dump"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	AwaitTimeoutMS int   `mapstructure:"await_timeout_ms"`
	EventBuffer    int   `mapstructure:"event_buffer"`
	MaxFrameSize   int64 `mapstructure:"max_frame_size"`
	// PingIntervalMS keeps idle connections alive with WebSocket pings.
	// Zero leaves keep-alive off.
	PingIntervalMS int `mapstructure:"ping_interval_ms"`
}

type AudioConfig struct {
	SampleRate  int `mapstructure:"sample_rate"`
	Channels    int `mapstructure:"channels"`
	SampleWidth int `mapstructure:"sample_width"`
}

type ReconnectConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffMS        int `mapstructure:"backoff_ms"`
	CircuitThreshold int `mapstructure:"circuit_threshold"`
	CircuitCooldownS int `mapstructure:"circuit_cooldown_s"`
}

type DumpConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DUPLEXKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("session.await_timeout_ms", 5000)
	v.SetDefault("session.event_buffer", 256)
	v.SetDefault("session.max_frame_size", 10<<20)
	v.SetDefault("session.ping_interval_ms", 0)
	v.SetDefault("audio.sample_rate", 24000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.sample_width", 2)
	v.SetDefault("reconnect.max_retries", 2)
	v.SetDefault("reconnect.backoff_ms", 200)
	v.SetDefault("reconnect.circuit_threshold", 3)
	v.SetDefault("reconnect.circuit_cooldown_s", 30)
	v.SetDefault("dump.enabled", false)
	v.SetDefault("dump.dir", "")
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg.Vendor.Settings = expandSettings(cfg.Vendor.Settings)
	cfg.Dump.Dir = os.ExpandEnv(cfg.Dump.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendor.Provider) == "" {
		return fmt.Errorf("vendor.provider is required")
	}
	if c.Session.AwaitTimeoutMS <= 0 {
		return fmt.Errorf("session.await_timeout_ms must be positive")
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 || c.Audio.SampleWidth <= 0 {
		return fmt.Errorf("audio parameters must be positive")
	}
	if c.Dump.Enabled && strings.TrimSpace(c.Dump.Dir) == "" {
		return fmt.Errorf("dump.dir is required when dump.enabled")
	}
	return nil
}

// expandSettings expands ${ENV_VAR} references in string values so
// credentials never have to live in the config file itself.
func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		return expandSettings(val)
	default:
		return v
	}
}
