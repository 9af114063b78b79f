package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
)

// MattermostSink posts notifications to Mattermost API posts endpoint.
// Params: API base URL, bot token, and channel id from config.
// Returns: Mattermost sink.
type MattermostSink struct {
	cfg    config.MattermostConfig
	client *http.Client
}

// NewMattermostSink creates Mattermost sink.
func NewMattermostSink(cfg config.MattermostConfig) *MattermostSink {
	return &MattermostSink{cfg: cfg, client: &http.Client{}}
}

func (s *MattermostSink) Channel() string { return "mattermost" }

// Send posts one markdown message to Mattermost API.
// Params: context and notification payload.
// Returns: transport or HTTP error.
func (s *MattermostSink) Send(ctx context.Context, notification domain.Notification) error {
	payload := struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
	}{
		ChannelID: strings.TrimSpace(s.cfg.ChannelID),
		Message:   "#### " + notification.Title + "\n" + notification.Message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode mattermost payload: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mattermost request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("mattermost", response)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode mattermost response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return errors.New("mattermost response missing id")
	}
	return nil
}
