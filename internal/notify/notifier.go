package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"poolwatch/internal/clock"
	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/metrics"
	"poolwatch/internal/templatefmt"
)

// Outcome is the result of one Notify call.
type Outcome int

const (
	// Delivered means the sink accepted the notification and cooldown was armed.
	Delivered Outcome = iota
	// Suppressed means the kind fired within cooldown; the sink was not called.
	Suppressed
	// DeliveryFailed means the sink failed or timed out; cooldown was not armed.
	DeliveryFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Suppressed:
		return "suppressed"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

var titles = map[domain.ConditionKind]string{
	domain.ConditionFailover:      "Failover detected",
	domain.ConditionHighErrorRate: "High error rate",
	domain.ConditionRecovery:      "Error rate recovered",
}

// Notifier rate-limits alerts per condition kind and delegates delivery to a sink.
// Params: cooldown, send budget, templates, sink, and clock.
// Returns: per-condition outcome; the last-fired map is owned exclusively by the notifier.
type Notifier struct {
	service   string
	cooldown  time.Duration
	timeout   time.Duration
	sink      Sink
	clock     clock.Clock
	logger    *slog.Logger
	templates map[domain.ConditionKind]*template.Template

	mu        sync.Mutex
	lastFired map[domain.ConditionKind]time.Time
}

// NewNotifier compiles message templates and builds notifier.
// Params: full config (service name and notify section), sink, clock, and logger.
// Returns: notifier or template parse error.
func NewNotifier(cfg config.Config, sink Sink, clk clock.Clock, logger *slog.Logger) (*Notifier, error) {
	if sink == nil {
		sink = NewLogSink(logger)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	templates, err := compileTemplates(cfg.Notify.Template)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		service:   cfg.Service.Name,
		cooldown:  cfg.Notify.Cooldown(),
		timeout:   cfg.Notify.SendTimeout(),
		sink:      sink,
		clock:     clk,
		logger:    logger,
		templates: templates,
		lastFired: make(map[domain.ConditionKind]time.Time),
	}, nil
}

func compileTemplates(cfg config.TemplateConfig) (map[domain.ConditionKind]*template.Template, error) {
	bodies := map[domain.ConditionKind]string{
		domain.ConditionFailover:      pick(cfg.Failover, templatefmt.DefaultFailover),
		domain.ConditionHighErrorRate: pick(cfg.HighErrorRate, templatefmt.DefaultHighErrorRate),
		domain.ConditionRecovery:      pick(cfg.Recovery, templatefmt.DefaultRecovery),
	}
	out := make(map[domain.ConditionKind]*template.Template, len(bodies))
	for kind, body := range bodies {
		tpl, err := templatefmt.ParseNotificationTemplate("notify.template."+string(kind), body)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", kind, err)
		}
		out[kind] = tpl
	}
	return out, nil
}

func pick(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}

// Notify applies cooldown and sends one condition.
// Params: context and detector condition.
// Returns: outcome and, for DeliveryFailed, the cause.
func (n *Notifier) Notify(ctx context.Context, condition domain.AlertCondition) (Outcome, error) {
	kind := condition.Kind
	tpl, ok := n.templates[kind]
	if !ok {
		return n.fail(condition, fmt.Errorf("unsupported condition kind %q", kind))
	}

	now := n.clock.Now()
	n.mu.Lock()
	last, fired := n.lastFired[kind]
	n.mu.Unlock()
	if fired && now.Sub(last) < n.cooldown {
		remaining := n.cooldown - now.Sub(last)
		n.logger.Info("alert suppressed", "kind", string(kind), "cooldown_remaining", remaining.Round(time.Second).String())
		metrics.AlertsTotal.WithLabelValues(string(kind), Suppressed.String()).Inc()
		return Suppressed, nil
	}

	notification := domain.NotificationFor(n.service, condition)
	notification.Title = titles[kind]
	message, err := templatefmt.Render(tpl, notification)
	if err != nil {
		return n.fail(condition, err)
	}
	notification.Message = message

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sink.Send(sendCtx, notification); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("send budget %s exceeded: %w", n.timeout, err)
		}
		return n.fail(condition, err)
	}

	n.mu.Lock()
	n.lastFired[kind] = now
	n.mu.Unlock()
	n.logger.Info("alert delivered", "kind", string(kind), "channel", n.sink.Channel(), "message", message)
	metrics.AlertsTotal.WithLabelValues(string(kind), Delivered.String()).Inc()
	return Delivered, nil
}

func (n *Notifier) fail(condition domain.AlertCondition, err error) (Outcome, error) {
	n.logger.Warn("alert delivery failed", "kind", string(condition.Kind), "channel", n.sink.Channel(), "error", err.Error())
	metrics.AlertsTotal.WithLabelValues(string(condition.Kind), DeliveryFailed.String()).Inc()
	return DeliveryFailed, err
}

// LastFired returns the time kind was last delivered.
// Params: condition kind.
// Returns: timestamp and false when the kind never fired.
func (n *Notifier) LastFired(kind domain.ConditionKind) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	at, ok := n.lastFired[kind]
	return at, ok
}

// Channel names the underlying sink.
func (n *Notifier) Channel() string {
	return n.sink.Channel()
}
