package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bekirdag/mcoda/internal/events"
)

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	URL         string             `json:"url"`
	EventTypes  []events.EventType `json:"event_types,omitempty"`
	MinPriority int                `json:"min_priority,omitempty"`
}

// WebhookNotifier posts job events to an HTTP endpoint.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// ShouldNotify implements Notifier.
func (w *WebhookNotifier) ShouldNotify(event events.Event) bool {
	if w.config.URL == "" {
		return false
	}
	if w.config.MinPriority > 0 && event.Priority > w.config.MinPriority {
		return false
	}
	if len(w.config.EventTypes) > 0 {
		found := false
		for _, et := range w.config.EventTypes {
			if event.Type == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Send implements Notifier.
func (w *WebhookNotifier) Send(event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	resp, err := w.client.Post(w.config.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
