package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	MongoURI string `mapstructure:"mongo_uri"`
	MongoDB  string `mapstructure:"mongo_db"`

	RTCAppID     string        `mapstructure:"rtc_app_id"`
	RTCAppSecret string        `mapstructure:"rtc_app_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`

	SpeakerLimit     int           `mapstructure:"speaker_limit"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	DedupeInterval   time.Duration `mapstructure:"dedupe_interval"`

	SessionSecret string `mapstructure:"session_secret"`

	RateLimit         int           `mapstructure:"rate_limit"`
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
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
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_db", "spaces")
	v.SetDefault("token_ttl", "3600s")
	v.SetDefault("speaker_limit", 10)
	v.SetDefault("heartbeat_timeout", "45s")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("dedupe_interval", "60s")
	v.SetDefault("session_secret", "dev-secret-change-me")
	v.SetDefault("rate_limit", 10)
	v.SetDefault("rate_limit_interval", "1m")

	// Provider credentials come from the environment in every deployment;
	// the yaml keys exist for local runs only.
	v.SetDefault("rtc_app_id", os.Getenv("RTC_APP_ID"))
	v.SetDefault("rtc_app_secret", os.Getenv("RTC_APP_SECRET"))

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
