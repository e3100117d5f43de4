package config

import (
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix        = "GEOCHAT_"
	ConfigPathEnvVar = "CONFIG_PATH"
)

type Config struct {
	ServerAddr     string   `koanf:"server_addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	SigningSecret  string   `koanf:"signing_key"`
	SigningKey     []byte   `koanf:"-"`

	// RedisURL is empty for a single-instance deployment.
	RedisURL      string        `koanf:"redis_url"`
	FanoutDriver  string        `koanf:"fanout_driver"`
	NATSURL       string        `koanf:"nats_url"`
	FanoutChannel string        `koanf:"fanout_channel"`
	KeyPrefix     string        `koanf:"key_prefix"`
	BrokerTimeout time.Duration `koanf:"broker_timeout"`

	GeoCellDegrees      float64       `koanf:"geo_cell_degrees"`
	PatchFlushMs        int           `koanf:"patch_flush_ms"`
	MessageHistoryLimit int           `koanf:"message_history_limit"`
	MessageMaxLength    int           `koanf:"message_max_length"`
	RoomRetention       time.Duration `koanf:"room_retention"`
	StateTTL            time.Duration `koanf:"state_ttl"`

	RateJoinLimit         int `koanf:"rate_join_limit"`
	RateJoinWindowSec     int `koanf:"rate_join_window_sec"`
	RateLocationLimit     int `koanf:"rate_location_limit"`
	RateLocationWindowSec int `koanf:"rate_location_window_sec"`
	RateChatLimit         int `koanf:"rate_chat_limit"`
	RateChatWindowSec     int `koanf:"rate_chat_window_sec"`

	FrameRate  float64 `koanf:"frame_rate"`
	FrameBurst int     `koanf:"frame_burst"`

	PresenceFullSyncOnLocation bool `koanf:"presence_full_sync_on_location"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaultConfig() *Config {
	return &Config{
		ServerAddr:     ":8000",
		AllowedOrigins: []string{"http://localhost:3000"},

		FanoutDriver:  "redis",
		FanoutChannel: "geochat:events",
		KeyPrefix:     "geochat:",
		BrokerTimeout: 5 * time.Second,

		GeoCellDegrees:      8,
		PatchFlushMs:        200,
		MessageHistoryLimit: 50,
		MessageMaxLength:    500,
		RoomRetention:       10 * time.Minute,
		StateTTL:            24 * time.Hour,

		RateJoinLimit:         12,
		RateJoinWindowSec:     60,
		RateLocationLimit:     30,
		RateLocationWindowSec: 10,
		RateChatLimit:         8,
		RateChatWindowSec:     10,

		FrameRate:  20,
		FrameBurst: 40,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

var sliceKeys = []string{"allowed_origins"}

// Load layers the defaults, an optional YAML file named by CONFIG_PATH and
// GEOCHAT_* environment variables, in increasing priority.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// splitSlices turns comma separated environment values into lists.
func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}

		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}

		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate rejects unusable settings and clamps tunables into their
// supported ranges.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.FanoutDriver {
	case "":
		c.FanoutDriver = "redis"
	case "redis", "nats":
	default:
		return fmt.Errorf("unknown fanout driver %q", c.FanoutDriver)
	}

	c.normalize()
	return nil
}

func (c *Config) normalize() {
	if math.IsNaN(c.GeoCellDegrees) || math.IsInf(c.GeoCellDegrees, 0) {
		c.GeoCellDegrees = 8
	}
	c.GeoCellDegrees = math.Min(math.Max(c.GeoCellDegrees, 1), 30)
	c.PatchFlushMs = clamp(c.PatchFlushMs, 80, 1000)
	c.MessageHistoryLimit = clamp(c.MessageHistoryLimit, 1, 1000)
	c.MessageMaxLength = clamp(c.MessageMaxLength, 1, 2000)

	if c.RoomRetention < 0 {
		c.RoomRetention = 0
	}
	if c.StateTTL < 0 {
		c.StateTTL = 0
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 5 * time.Second
	}
}

func (c *Config) PatchFlushInterval() time.Duration {
	return time.Duration(c.PatchFlushMs) * time.Millisecond
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
