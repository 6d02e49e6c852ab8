package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CALLSCRIBE_SERVER_ADDR.
const EnvPrefix = "CALLSCRIBE"

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Session       SessionConfig       `mapstructure:"session"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Store         StoreConfig         `mapstructure:"store"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimitBytes int64    `mapstructure:"read_limit_bytes"`
	WriteTimeoutMS int      `mapstructure:"write_timeout_ms"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

// SessionConfig holds the per-connection batching knobs. AckEvery and
// StatsEvery are chunk-count moduli and are independent of each other.
type SessionConfig struct {
	AckEvery      int `mapstructure:"ack_every"`
	StatsEvery    int `mapstructure:"stats_every"`
	EventBuffer   int `mapstructure:"event_buffer"`
	StopTimeoutMS int `mapstructure:"stop_timeout_ms"`
}

type TranscriptionConfig struct {
	Provider          string         `mapstructure:"provider"`
	Settings          map[string]any `mapstructure:"settings"`
	Retries           int            `mapstructure:"retries"`
	RetryBackoffMS    int            `mapstructure:"retry_backoff_ms"`
	CircuitThreshold  int            `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int            `mapstructure:"circuit_cooldown_ms"`
}

type StoreConfig struct {
	Provider      string `mapstructure:"provider"`
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	HistoryLimit  int    `mapstructure:"history_limit"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// Load reads the optional config file at path, applies defaults and
// CALLSCRIBE_* environment overrides, expands ${VAR} references and
// validates the result. An empty path means defaults plus environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.ws_path", "/ws/")
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_limit_bytes", 1<<20)
	v.SetDefault("server.write_timeout_ms", 5000)
	v.SetDefault("server.drain_timeout_ms", 10000)

	v.SetDefault("session.ack_every", 10)
	v.SetDefault("session.stats_every", 50)
	v.SetDefault("session.event_buffer", 256)
	v.SetDefault("session.stop_timeout_ms", 3000)

	v.SetDefault("transcription.provider", "deepgram")
	v.SetDefault("transcription.settings", map[string]any{})
	v.SetDefault("transcription.retries", 2)
	v.SetDefault("transcription.retry_backoff_ms", 200)
	v.SetDefault("transcription.circuit_threshold", 3)
	v.SetDefault("transcription.circuit_cooldown_ms", 30000)

	v.SetDefault("store.provider", "file")
	v.SetDefault("store.dir", "data/calls")
	v.SetDefault("store.retention_days", 0)
	v.SetDefault("store.history_limit", 50)

	v.SetDefault("privacy.redact_pii", false)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.WebsocketPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WebsocketPath)
	}
	if strings.TrimSpace(c.Transcription.Provider) == "" {
		return fmt.Errorf("transcription.provider is required")
	}
	if c.Session.AckEvery <= 0 {
		return fmt.Errorf("session.ack_every must be positive, got %d", c.Session.AckEvery)
	}
	if c.Session.StatsEvery <= 0 {
		return fmt.Errorf("session.stats_every must be positive, got %d", c.Session.StatsEvery)
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Provider)) {
	case "memory", "none":
	case "file":
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("store.dir is required for the file store")
		}
	default:
		return fmt.Errorf("store.provider must be one of [memory, file, none], got %q", c.Store.Provider)
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("store.retention_days must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
}

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
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
