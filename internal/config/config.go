package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`

	// Channel limits enforced at the websocket boundary.
	ReadLimit     int64         `mapstructure:"read_limit"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes"`
	MaxContentLen int           `mapstructure:"max_content_len"`
	RateLimit     int           `mapstructure:"rate_limit"`
	RateWindow    time.Duration `mapstructure:"rate_window"`

	// Liveness sweep period: a channel found dead on two consecutive
	// sweeps is ejected.
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// Client-side knobs, read by cmd/peer.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	STUNServers    []string      `mapstructure:"stun_servers"`
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
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("max_frame_bytes", 100_000)
	v.SetDefault("max_content_len", 10_000)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_window", "10s")
	v.SetDefault("ping_period", "30s")
	v.SetDefault("reconnect_delay", "2s")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
