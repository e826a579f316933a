package config

import (
	"fmt"
	"net/url"

	"beacon/internal/events"
)

var knownEvents = map[string]bool{
	events.HeartbeatRecorded:  true,
	events.HeartbeatRejected:  true,
	events.StreamSubscribed:   true,
	events.StreamUnsubscribed: true,
	events.StreamError:        true,
}

func validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	if cfg.CORSAllowOrigin == "" {
		return fmt.Errorf("config: cors_allow_origin required")
	}

	if cfg.Presence.LastSeenTTL <= 0 {
		return fmt.Errorf("config: presence.last_seen_ttl must be > 0")
	}
	if cfg.Presence.IdleThreshold <= 0 {
		return fmt.Errorf("config: presence.idle_threshold must be > 0")
	}
	if cfg.Presence.BroadcastInterval <= 0 {
		return fmt.Errorf("config: presence.broadcast_interval must be > 0")
	}

	if cfg.NATS.URL != "" {
		if _, err := url.Parse(cfg.NATS.URL); err != nil {
			return fmt.Errorf("config: invalid nats.url: %w", err)
		}
	}

	for i, wh := range cfg.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config: webhook %d missing url", i)
		}
		u, err := url.Parse(wh.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: webhook %d invalid url %q", i, wh.URL)
		}
		for _, ev := range wh.Events {
			if !knownEvents[ev] {
				return fmt.Errorf("config: webhook %d unknown event type %q", i, ev)
			}
		}
	}

	return nil
}
