package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/metrics"
	"poolwatch/internal/permanent"
)

// Sink delivers one rendered notification to an external channel.
// Params: context bounded by the notifier send budget and notification payload.
// Returns: transport error when delivery fails.
type Sink interface {
	Channel() string
	Send(ctx context.Context, notification domain.Notification) error
}

// BuildSink composes every enabled channel into one sink.
// Params: notify config and logger.
// Returns: single sink, fan-out sink, or local-log no-op when nothing is configured.
func BuildSink(cfg config.NotifyConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []Sink

	if cfg.Webhook.Enabled() {
		sinks = append(sinks, withRetry(NewWebhookSink(cfg.Webhook), cfg.Webhook.Retry, logger))
		logger.Info("notify sink configured", "channel", "webhook", "endpoint", RedactURL(cfg.Webhook.URL), "format", cfg.Webhook.Format)
	}
	if cfg.Telegram.Enabled {
		sinks = append(sinks, withRetry(NewTelegramSink(cfg.Telegram), cfg.Telegram.Retry, logger))
		logger.Info("notify sink configured", "channel", "telegram")
	}
	if cfg.Mattermost.Enabled {
		sinks = append(sinks, withRetry(NewMattermostSink(cfg.Mattermost), cfg.Mattermost.Retry, logger))
		logger.Info("notify sink configured", "channel", "mattermost", "endpoint", RedactURL(cfg.Mattermost.BaseURL))
	}
	if cfg.NATS.Enabled {
		sink, err := NewNATSSink(cfg.NATS)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("build nats sink: %w", err)
		}
		sinks = append(sinks, withRetry(sink, cfg.NATS.Retry, logger))
		logger.Info("notify sink configured", "channel", "nats", "subject", cfg.NATS.Subject)
	}

	switch len(sinks) {
	case 0:
		logger.Info("no notify sink configured, alerts are logged only")
		return NewLogSink(logger), nil
	case 1:
		return sinks[0], nil
	default:
		return NewMultiSink(sinks...), nil
	}
}

// CloseSink releases sink resources when the sink holds any.
func CloseSink(sink Sink) {
	if closer, ok := sink.(io.Closer); ok {
		_ = closer.Close()
	}
}

func closeSinks(sinks []Sink) {
	for _, sink := range sinks {
		CloseSink(sink)
	}
}

// LogSink is the no-op sink used when no endpoint is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds local-log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Channel() string { return "log" }

// Send writes the alert to the operator log and always succeeds.
func (s *LogSink) Send(_ context.Context, notification domain.Notification) error {
	if s.logger != nil {
		s.logger.Info("alert", "kind", string(notification.Kind), "title", notification.Title, "message", notification.Message)
	}
	return nil
}

// MultiSink fans one notification out to several sinks concurrently.
// Params: child sinks.
// Returns: success only when every child succeeds.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Channel joins child channel names.
func (m *MultiSink) Channel() string {
	names := make([]string, 0, len(m.sinks))
	for _, sink := range m.sinks {
		names = append(names, sink.Channel())
	}
	return strings.Join(names, "+")
}

// Send delivers to all children and joins their errors.
// Params: context and notification.
// Returns: nil when all children delivered.
func (m *MultiSink) Send(ctx context.Context, notification domain.Notification) error {
	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, sink := range m.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			if err := sink.Send(ctx, notification); err != nil {
				errs[i] = fmt.Errorf("%s: %w", sink.Channel(), err)
			}
		}(i, sink)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes children that hold resources.
func (m *MultiSink) Close() error {
	closeSinks(m.sinks)
	return nil
}

// retryingSink wraps one sink with its channel retry policy and latency metric.
type retryingSink struct {
	sink   Sink
	retry  config.NotifyRetry
	logger *slog.Logger
}

func withRetry(sink Sink, retry config.NotifyRetry, logger *slog.Logger) Sink {
	return &retryingSink{sink: sink, retry: retry, logger: logger}
}

func (r *retryingSink) Channel() string { return r.sink.Channel() }

func (r *retryingSink) Send(ctx context.Context, notification domain.Notification) error {
	started := time.Now()
	err := sendWithRetry(ctx, r.sink, notification, r.retry, r.logger)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SinkSendDuration.WithLabelValues(r.sink.Channel(), status).Observe(time.Since(started).Seconds())
	return err
}

func (r *retryingSink) Close() error {
	CloseSink(r.sink)
	return nil
}

// unexpectedHTTPStatusError formats non-2xx response; 4xx other than 429 is permanent.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
		return permanent.Mark(err)
	}
	return err
}

// RedactURL keeps scheme and host so secrets in webhook paths never reach logs.
func RedactURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "<invalid>"
	}
	if parsed.Path == "" || parsed.Path == "/" {
		return parsed.Scheme + "://" + parsed.Host
	}
	return parsed.Scheme + "://" + parsed.Host + "/***"
}
