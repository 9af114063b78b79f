package engine

import (
	"time"

	"poolwatch/internal/clock"
	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/window"
)

// RateSource exposes read-only window aggregates to detector.
// Params: none.
// Returns: consistent window stats snapshot.
type RateSource interface {
	Stats() window.Stats
}

// Detector tracks active pool and error-rate edge state.
// Params: thresholds, run-length rule, window reference, and clock.
// Returns: alert conditions derived from events in arrival order.
type Detector struct {
	threshold  float64
	minRun     int
	every      int
	minSamples int
	source     RateSource
	clock      clock.Clock

	active    domain.Pool
	candidate domain.Pool
	run       int
	above     bool
	observed  uint64
}

// NewDetector constructs detector in UNKNOWN pool state and below-threshold rate state.
// Params: detect config (threshold in percent), window stats source, and clock.
// Returns: initialized detector.
func NewDetector(cfg config.DetectConfig, source RateSource, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	minRun := cfg.MinRunLength
	if minRun < 1 {
		minRun = 1
	}
	every := cfg.EvaluateEvery
	if every < 1 {
		every = 1
	}
	return &Detector{
		threshold:  cfg.Threshold() / 100,
		minRun:     minRun,
		every:      every,
		minSamples: cfg.MinSamples,
		source:     source,
		clock:      clk,
		active:     domain.PoolUnknown,
	}
}

// Observe consumes one event already pushed into the window.
// Params: access event in log order.
// Returns: zero, one, or two conditions (failover first, then rate edge).
func (d *Detector) Observe(event domain.AccessEvent) []domain.AlertCondition {
	at := event.Timestamp
	if at.IsZero() {
		at = d.clock.Now()
	}

	var conditions []domain.AlertCondition
	if condition, ok := d.trackPool(event.Pool, at); ok {
		conditions = append(conditions, condition)
	}

	d.observed++
	if d.observed%uint64(d.every) == 0 {
		if condition, ok := d.evaluateRate(at); ok {
			conditions = append(conditions, condition)
		}
	}
	return conditions
}

// trackPool applies the minimum-run-length rule to pool observations.
// Params: event pool and observation time.
// Returns: failover condition when a confirmed switch between known pools happens.
func (d *Detector) trackPool(pool domain.Pool, at time.Time) (domain.AlertCondition, bool) {
	// Unknown pools neither count toward nor break a run.
	if !pool.Known() {
		return domain.AlertCondition{}, false
	}
	if pool == d.active {
		d.candidate = ""
		d.run = 0
		return domain.AlertCondition{}, false
	}
	if pool == d.candidate {
		d.run++
	} else {
		d.candidate = pool
		d.run = 1
	}
	if d.run < d.minRun {
		return domain.AlertCondition{}, false
	}

	previous := d.active
	d.active = pool
	d.candidate = ""
	d.run = 0
	if !previous.Known() {
		return domain.AlertCondition{}, false
	}
	return domain.NewFailover(previous, pool, at), true
}

// evaluateRate compares window error rate with threshold using edge triggering.
// Params: observation time.
// Returns: high-error-rate on rising edge, recovery on falling edge.
func (d *Detector) evaluateRate(at time.Time) (domain.AlertCondition, bool) {
	stats := d.source.Stats()
	need := d.minSamples
	if need <= 0 {
		need = stats.Cap
	}
	if stats.Len < need {
		return domain.AlertCondition{}, false
	}

	above := stats.ErrorRate > d.threshold
	if above == d.above {
		return domain.AlertCondition{}, false
	}
	d.above = above

	kind := domain.ConditionRecovery
	if above {
		kind = domain.ConditionHighErrorRate
	}
	return domain.AlertCondition{
		Kind:       kind,
		Rate:       stats.ErrorRate,
		Threshold:  d.threshold,
		WindowSize: stats.Cap,
		Samples:    stats.Len,
		ErrorCount: stats.ErrorCount,
		Timestamp:  at,
	}, true
}

// ActivePool returns current best-guess serving pool.
func (d *Detector) ActivePool() domain.Pool {
	return d.active
}

// AboveThreshold reports whether last evaluation was above threshold.
func (d *Detector) AboveThreshold() bool {
	return d.above
}

// Threshold returns error-rate threshold as fraction.
func (d *Detector) Threshold() float64 {
	return d.threshold
}
