package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"poolwatch/internal/clock"
	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/engine"
	"poolwatch/internal/ingest"
	"poolwatch/internal/metrics"
	"poolwatch/internal/notify"
	"poolwatch/internal/window"
)

// LineSource yields raw log lines in arrival order.
type LineSource interface {
	Next(ctx context.Context) (string, error)
}

// Alerter receives detector conditions.
type Alerter interface {
	Notify(ctx context.Context, condition domain.AlertCondition) (notify.Outcome, error)
}

// Pipeline runs parse, aggregate, detect, and notify for one line at a time.
// Params: line source, window, detector, alerter, and logger.
// Returns: sequential single-writer pipeline; all state is owned by the goroutine calling Run.
type Pipeline struct {
	source      LineSource
	window      *window.Window
	detector    *engine.Detector
	alerter     Alerter
	logger      *slog.Logger
	statusEvery uint64

	processed uint64
	malformed uint64
}

// NewPipeline wires window and detector from config.
// Params: config snapshot, line source, alerter, clock, and logger.
// Returns: ready pipeline in UNKNOWN pool state with empty window.
func NewPipeline(cfg config.Config, source LineSource, alerter Alerter, clk clock.Clock, logger *slog.Logger) *Pipeline {
	win := window.New(cfg.Window.Size)
	statusEvery := uint64(0)
	if cfg.Service.StatusEvery > 0 {
		statusEvery = uint64(cfg.Service.StatusEvery)
	}
	return &Pipeline{
		source:      source,
		window:      win,
		detector:    engine.NewDetector(cfg.Detect, win, clk),
		alerter:     alerter,
		logger:      logger,
		statusEvery: statusEvery,
	}
}

// Run consumes lines until the source fails or ctx is cancelled.
// Params: context.
// Returns: nil on cancellation, source error otherwise.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		line, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil
				}
			}
			return fmt.Errorf("read log source: %w", err)
		}
		// Parse errors are counted and logged inside HandleLine.
		_ = p.HandleLine(ctx, line)
	}
}

// HandleLine processes one raw line end to end.
// Params: context for notifier sends and raw log line.
// Returns: *ingest.ParseError for malformed lines (already counted and skipped), nil otherwise.
func (p *Pipeline) HandleLine(ctx context.Context, line string) error {
	event, err := ingest.ParseLine(line)
	if err != nil {
		p.malformed++
		metrics.LinesTotal.WithLabelValues(metrics.LineMalformed).Inc()
		p.logger.Debug("malformed log line skipped", "error", err.Error())
		return err
	}
	metrics.LinesTotal.WithLabelValues(metrics.LineAccepted).Inc()

	p.window.Push(event)
	p.processed++

	before := p.detector.ActivePool()
	conditions := p.detector.Observe(event)
	if after := p.detector.ActivePool(); !before.Known() && after.Known() {
		p.logger.Info("initial pool detected", "pool", after.Label())
		metrics.SetActivePool(after)
	}

	stats := p.window.Stats()
	metrics.ErrorRate.Set(stats.ErrorRate)
	metrics.WindowFill.Set(float64(stats.Len))

	for _, condition := range conditions {
		p.logCondition(condition)
		// Outcome and delivery failures are reported by the notifier; they never stop ingestion.
		_, _ = p.alerter.Notify(ctx, condition)
	}

	if p.statusEvery > 0 && p.processed%p.statusEvery == 0 {
		p.logger.Info("status",
			"requests", p.processed,
			"pool", p.detector.ActivePool().Label(),
			"error_rate_pct", fmt.Sprintf("%.2f", stats.ErrorRate*100),
			"window", fmt.Sprintf("%d/%d", stats.Len, stats.Cap),
			"malformed", p.malformed,
		)
	}
	return nil
}

func (p *Pipeline) logCondition(condition domain.AlertCondition) {
	switch condition.Kind {
	case domain.ConditionFailover:
		metrics.SetActivePool(condition.To)
		p.logger.Info("failover detected", "from", condition.From.Label(), "to", condition.To.Label())
	case domain.ConditionHighErrorRate:
		p.logger.Warn("error rate above threshold",
			"rate_pct", fmt.Sprintf("%.2f", condition.Rate*100),
			"threshold_pct", fmt.Sprintf("%.2f", condition.Threshold*100),
			"errors", condition.ErrorCount,
			"samples", condition.Samples,
		)
	case domain.ConditionRecovery:
		p.logger.Info("error rate recovered",
			"rate_pct", fmt.Sprintf("%.2f", condition.Rate*100),
			"threshold_pct", fmt.Sprintf("%.2f", condition.Threshold*100),
		)
	}
}

// Processed returns the number of accepted events.
func (p *Pipeline) Processed() uint64 { return p.processed }

// Malformed returns the number of skipped lines.
func (p *Pipeline) Malformed() uint64 { return p.malformed }

// ActivePool returns detector pool state.
func (p *Pipeline) ActivePool() domain.Pool { return p.detector.ActivePool() }

// Window exposes the aggregator for read-only inspection.
func (p *Pipeline) Window() *window.Window { return p.window }
