// Package alerting turns anomaly decisions into deduplicated, dispatched
// alerts. Dispatch goes through the Notifier interface; the production
// implementation posts JSON to registered webhook/Slack channels.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/crowdsense/crowdsense-backend/internal/models"
)

// Notifier delivers one alert to the outside world. Failure must be
// distinguishable from success; there are no partial states.
type Notifier interface {
	Send(ctx context.Context, alert models.Alert) error
}

// ChannelNotifier posts alerts to every enabled channel that subscribes
// to the alert's disaster type. Send fails if no channel accepted the
// alert, so the dispatch retry policy applies.
type ChannelNotifier struct {
	channels []models.NotificationChannel
	client   *http.Client
	logger   *slog.Logger
}

// NewChannelNotifier creates a notifier for a fixed channel set.
func NewChannelNotifier(channels []models.NotificationChannel, timeout time.Duration, logger *slog.Logger) *ChannelNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ChannelNotifier{
		channels: channels,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Send posts the alert to all subscribed channels. It succeeds when at
// least one delivery went through and at least one channel was eligible.
func (n *ChannelNotifier) Send(ctx context.Context, alert models.Alert) error {
	eligible, delivered := 0, 0
	var lastErr error
	for _, ch := range n.channels {
		if !ch.Enabled {
			continue
		}
		if !subscribes(ch.DisasterTypes, alert.DisasterType) {
			continue
		}
		eligible++
		if err := n.send(ctx, ch, alert); err != nil {
			lastErr = err
			n.logger.Warn("alert delivery failed",
				"channel", ch.Name,
				"channel_type", string(ch.Type),
				"alert_id", alert.ID,
				"err", err,
			)
			continue
		}
		delivered++
	}
	if eligible == 0 {
		return fmt.Errorf("no enabled channel subscribes to %q", alert.DisasterType)
	}
	if delivered == 0 {
		return fmt.Errorf("all %d deliveries failed: %w", eligible, lastErr)
	}
	return nil
}

// send posts the alert to a single channel, adapting the payload format
// for Slack vs generic webhooks.
func (n *ChannelNotifier) send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error {
	var payload interface{}

	switch ch.Type {
	case models.NotificationChannelSlack:
		// Slack expects {"text": "..."} with optional markdown.
		text := fmt.Sprintf("*[CrowdSense/%s]* possible %s near `%s`", alert.Severity, alert.DisasterType, alert.Location)
		if alert.Message != "" {
			text += "\n> " + alert.Message
		}
		payload = map[string]string{"text": text}

	default: // "webhook" — send the full alert JSON.
		payload = alert
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CrowdSense-Notifier/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from channel %q", resp.StatusCode, ch.Name)
	}
	return nil
}

// subscribes returns true if the list contains the disaster type, or if
// the list is empty (meaning "all types").
func subscribes(types []string, disasterType string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == disasterType || t == "*" {
			return true
		}
	}
	return false
}
