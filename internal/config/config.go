package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Features struct {
	RoomWatches bool `mapstructure:"room_watches" json:"room_watches"`
}

// ICEConfig is shared with clients through /api/config.
type ICEConfig struct {
	STUN     string `mapstructure:"stun" json:"stun"`
	TURN     string `mapstructure:"turn" json:"turn,omitempty"`
	TURNUser string `mapstructure:"turn_user" json:"turn_user,omitempty"`
	TURNCred string `mapstructure:"turn_cred" json:"turn_cred,omitempty"`
}

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	LogLevel   string        `mapstructure:"log_level"`
	Features   Features      `mapstructure:"features"`
	WebRTC     ICEConfig     `mapstructure:"webrtc"`
	JoinRate   JoinRate      `mapstructure:"join_rate"`
}

type ClientConfig struct {
	SignalingURL       string        `mapstructure:"signaling_url"`
	Secret             string        `mapstructure:"secret"`
	Username           string        `mapstructure:"username"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	LogLevel           string        `mapstructure:"log_level"`
	WebRTC             ICEConfig     `mapstructure:"webrtc"`
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on one host.
	IncludeLoopback bool `mapstructure:"include_loopback"`
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readFile loads config/<name>.<CONFIG_ENV>.yaml when present.
func readFile(v *viper.Viper, name string) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)

	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
}

// Load reads the server config. Flags in fs, when set, win over file and env.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := newViper("MEET")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("log_level", "info")
	v.SetDefault("features.room_watches", true)
	v.SetDefault("webrtc.stun", "stun:stun.l.google.com:19302")
	v.SetDefault("webrtc.turn", "")
	v.SetDefault("webrtc.turn_user", "")
	v.SetDefault("webrtc.turn_cred", "")
	v.SetDefault("join_rate.limit", 10)
	v.SetDefault("join_rate.interval", "10s")

	readFile(v, "config")
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("server config")
	return &cfg, nil
}

// LoadClient reads the client config from config/client.<CONFIG_ENV>.yaml,
// MEET_CLIENT_* env vars and fs.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper("MEET_CLIENT")

	v.SetDefault("signaling_url", "ws://127.0.0.1:8080/signaling")
	v.SetDefault("username", "guest")
	v.SetDefault("ping_period", "30s")
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("webrtc.stun", "stun:stun.l.google.com:19302")
	v.SetDefault("webrtc.turn", "")
	v.SetDefault("webrtc.turn_user", "")
	v.SetDefault("webrtc.turn_cred", "")
	v.SetDefault("include_loopback", false)

	readFile(v, "client")
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	return &cfg, nil
}

// ParseLevel maps a config level onto zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
