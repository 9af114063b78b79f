package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
)

// slackColors maps condition kind to attachment color.
var slackColors = map[domain.ConditionKind]string{
	domain.ConditionFailover:      "warning",
	domain.ConditionHighErrorRate: "danger",
	domain.ConditionRecovery:      "good",
}

// WebhookSink posts JSON to an incoming-webhook endpoint (Slack-compatible).
// Params: URL, payload format, and extra headers.
// Returns: webhook sink.
type WebhookSink struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSink creates webhook sink; request lifetime is bounded by the caller context.
func NewWebhookSink(cfg config.WebhookNotifier) *WebhookSink {
	return &WebhookSink{cfg: cfg, client: &http.Client{}}
}

func (s *WebhookSink) Channel() string { return "webhook" }

// Send delivers one notification in the configured payload format.
// Params: context and notification payload.
// Returns: transport or HTTP status error.
func (s *WebhookSink) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(s.payload(notification))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("webhook", response)
	}
	return nil
}

type webhookText struct {
	Text string `json:"text"`
}

type slackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

func (s *WebhookSink) payload(notification domain.Notification) any {
	if s.cfg.Format != config.WebhookFormatSlack {
		return webhookText{Text: notification.Title + "\n" + notification.Message}
	}
	attachment := slackAttachment{
		Color:  slackColors[notification.Kind],
		Title:  notification.Title,
		Text:   notification.Message,
		Footer: notification.Service,
	}
	if !notification.Timestamp.IsZero() {
		attachment.TS = notification.Timestamp.Unix()
	}
	return slackPayload{Attachments: []slackAttachment{attachment}}
}
