package alerts

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"beacon/internal/config"
	"beacon/internal/events"
)

// WebhookAlerter POSTs matching lifecycle events to configured URLs.
// Delivery is fire-and-forget: a failed POST is logged and not retried.
type WebhookAlerter struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookAlerter creates an alerter for the given webhook configs.
func NewWebhookAlerter(hooks []config.WebhookConfig, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		hooks:  hooks,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "alerts"),
	}
}

// RegisterEventHandler wires webhook delivery to the event emitter.
func (a *WebhookAlerter) RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		for _, hook := range a.hooks {
			if matches(hook, ev.Type) {
				go a.deliver(hook.URL, ev)
			}
		}
	})
}

func matches(hook config.WebhookConfig, eventType string) bool {
	if len(hook.Events) == 0 {
		return true // no filter → all events
	}
	for _, t := range hook.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

func (a *WebhookAlerter) deliver(url string, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("webhook payload marshal failed", "error", err)
		return
	}

	resp, err := a.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		a.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		a.logger.Warn("webhook rejected", "url", url, "status", resp.StatusCode)
	}
}
