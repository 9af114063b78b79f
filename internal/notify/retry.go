package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/permanent"
)

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sink, payload, retry policy, and optional logger; ctx carries the total send budget.
// Returns: nil on success or last error once attempts, budget, or a permanent error end retries.
func sendWithRetry(ctx context.Context, sink Sink, notification domain.Notification, retry config.NotifyRetry, logger *slog.Logger) error {
	if !retry.Enabled {
		return sink.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(0)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		err := sink.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 && logger != nil {
				logger.Info("notify send recovered after retries", "channel", sink.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt && logger != nil {
			logger.Warn("notify send attempt failed", "channel", sink.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sink.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("channel %s gave up after %d attempts: %w", sink.Channel(), attempt, err)
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
