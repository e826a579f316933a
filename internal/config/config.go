package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen          string          `yaml:"listen"`
	CORSAllowOrigin string          `yaml:"cors_allow_origin"`
	Presence        Presence        `yaml:"presence"`
	NATS            NATS            `yaml:"nats"`
	Webhooks        []WebhookConfig `yaml:"webhooks"`
}

type Presence struct {
	LastSeenTTL       time.Duration `yaml:"last_seen_ttl"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// NATS configures the optional outbound event mirror. Publishing is
// disabled while URL is empty.
type NATS struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

// WebhookConfig configures one alert webhook and the event types that
// trigger it.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
// Environment overrides still apply.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.CORSAllowOrigin == "" {
		cfg.CORSAllowOrigin = "https://solar-nova.online"
	}
	if cfg.Presence.LastSeenTTL == 0 {
		cfg.Presence.LastSeenTTL = 60 * time.Second
	}
	if cfg.Presence.IdleThreshold == 0 {
		cfg.Presence.IdleThreshold = 60 * time.Second
	}
	if cfg.Presence.BroadcastInterval == 0 {
		cfg.Presence.BroadcastInterval = 2 * time.Second
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "beacon"
	}
	if cfg.NATS.ConnectTimeout == 0 {
		cfg.NATS.ConnectTimeout = 5 * time.Second
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = -1 // infinite
	}
}

// applyEnv layers the runtime environment over the file. PORT and
// CORS_ALLOW_ORIGIN are what existing deployments of the service set.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}
	if origin := os.Getenv("CORS_ALLOW_ORIGIN"); origin != "" {
		cfg.CORSAllowOrigin = origin
	}
}
