package engine

import (
	"testing"
	"time"

	"poolwatch/internal/clock"
	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/window"
)

type harness struct {
	window   *window.Window
	detector *Detector
	base     time.Time
	seq      int
}

func percent(v float64) *float64 { return &v }

func newHarness(size int, cfg config.DetectConfig) *harness {
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	w := window.New(size)
	return &harness{
		window:   w,
		detector: NewDetector(cfg, w, clock.NewManual(base)),
		base:     base,
	}
}

func (h *harness) push(pool domain.Pool, status int) []domain.AlertCondition {
	h.seq++
	event := domain.AccessEvent{
		Timestamp: h.base.Add(time.Duration(h.seq) * time.Second),
		Pool:      pool,
		Status:    status,
	}
	h.window.Push(event)
	return h.detector.Observe(event)
}

func countKind(conditions []domain.AlertCondition, kind domain.ConditionKind) int {
	n := 0
	for _, condition := range conditions {
		if condition.Kind == kind {
			n++
		}
	}
	return n
}

func TestDetectorBlueToGreenFailoverScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(200, config.DetectConfig{ErrorRateThreshold: percent(2), MinRunLength: 1, EvaluateEvery: 1})
	var all []domain.AlertCondition
	for i := 0; i < 10; i++ {
		all = append(all, h.push(domain.PoolBlue, 200)...)
	}
	if len(all) != 0 {
		t.Fatalf("initial observation must be silent, got %+v", all)
	}
	if h.detector.ActivePool() != domain.PoolBlue {
		t.Fatalf("active=%q", h.detector.ActivePool())
	}

	conditions := h.push(domain.PoolGreen, 200)
	if len(conditions) != 1 {
		t.Fatalf("expected one condition, got %+v", conditions)
	}
	got := conditions[0]
	if got.Kind != domain.ConditionFailover || got.From != domain.PoolBlue || got.To != domain.PoolGreen {
		t.Fatalf("unexpected condition %+v", got)
	}
	if !got.Timestamp.Equal(h.base.Add(11 * time.Second)) {
		t.Fatalf("timestamp=%v", got.Timestamp)
	}
	if h.detector.ActivePool() != domain.PoolGreen {
		t.Fatalf("active=%q", h.detector.ActivePool())
	}

	for i := 0; i < 20; i++ {
		if conditions := h.push(domain.PoolGreen, 200); len(conditions) != 0 {
			t.Fatalf("repeated pool re-emitted: %+v", conditions)
		}
	}
}

func TestDetectorUnknownPoolIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(10, config.DetectConfig{ErrorRateThreshold: percent(2), MinRunLength: 1})
	if conditions := h.push(domain.PoolUnknown, 200); len(conditions) != 0 {
		t.Fatalf("unexpected %+v", conditions)
	}
	if h.detector.ActivePool() != domain.PoolUnknown {
		t.Fatalf("active=%q", h.detector.ActivePool())
	}
	h.push(domain.PoolGreen, 200)
	if conditions := h.push(domain.PoolUnknown, 200); countKind(conditions, domain.ConditionFailover) != 0 {
		t.Fatalf("unknown must not cause failover: %+v", conditions)
	}
	if h.detector.ActivePool() != domain.PoolGreen {
		t.Fatalf("active=%q", h.detector.ActivePool())
	}
}

func TestDetectorMinRunLengthSuppressesFlap(t *testing.T) {
	t.Parallel()

	h := newHarness(50, config.DetectConfig{ErrorRateThreshold: percent(2), MinRunLength: 3})
	for i := 0; i < 3; i++ {
		h.push(domain.PoolBlue, 200)
	}
	if h.detector.ActivePool() != domain.PoolBlue {
		t.Fatalf("active=%q", h.detector.ActivePool())
	}

	// Stray green records interrupted by blue never reach the run length.
	sequence := []domain.Pool{domain.PoolGreen, domain.PoolGreen, domain.PoolBlue, domain.PoolGreen, domain.PoolUnknown, domain.PoolGreen}
	for _, pool := range sequence {
		if conditions := h.push(pool, 200); countKind(conditions, domain.ConditionFailover) != 0 {
			t.Fatalf("flap emitted failover: %+v", conditions)
		}
	}
	conditions := h.push(domain.PoolGreen, 200)
	if countKind(conditions, domain.ConditionFailover) != 1 {
		t.Fatalf("expected failover on third consecutive green, got %+v", conditions)
	}
	if h.detector.ActivePool() != domain.PoolGreen {
		t.Fatalf("active=%q", h.detector.ActivePool())
	}
}

func TestDetectorErrorRateEdgeScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(100, config.DetectConfig{ErrorRateThreshold: percent(2), MinRunLength: 1, EvaluateEvery: 1})
	var all []domain.AlertCondition
	for i := 0; i < 97; i++ {
		all = append(all, h.push(domain.PoolBlue, 200)...)
	}
	for i := 0; i < 3; i++ {
		all = append(all, h.push(domain.PoolBlue, 500)...)
	}
	if countKind(all, domain.ConditionHighErrorRate) != 1 {
		t.Fatalf("expected one high error rate, got %+v", all)
	}
	high := all[len(all)-1]
	if high.Kind != domain.ConditionHighErrorRate || high.Rate < 0.0299 || high.Rate > 0.0301 {
		t.Fatalf("unexpected condition %+v", high)
	}
	if high.WindowSize != 100 || high.Samples != 100 || high.ErrorCount != 3 {
		t.Fatalf("unexpected window fields %+v", high)
	}

	if conditions := h.push(domain.PoolBlue, 200); len(conditions) != 0 {
		t.Fatalf("still above threshold must not re-emit: %+v", conditions)
	}

	recoveries := 0
	pushes := 1
	for recoveries == 0 && pushes < 200 {
		conditions := h.push(domain.PoolBlue, 200)
		pushes++
		if countKind(conditions, domain.ConditionHighErrorRate) != 0 {
			t.Fatalf("unexpected re-fire %+v", conditions)
		}
		recoveries += countKind(conditions, domain.ConditionRecovery)
	}
	if recoveries != 1 {
		t.Fatalf("expected recovery")
	}
	// The first 500 leaves the window on the 98th push after the errors.
	if pushes != 98 {
		t.Fatalf("recovery after %d pushes", pushes)
	}
	if h.detector.AboveThreshold() {
		t.Fatalf("expected below threshold")
	}

	for i := 0; i < 150; i++ {
		if conditions := h.push(domain.PoolBlue, 200); len(conditions) != 0 {
			t.Fatalf("recovery re-emitted: %+v", conditions)
		}
	}
}

func TestDetectorWaitsForMinSamples(t *testing.T) {
	t.Parallel()

	h := newHarness(10, config.DetectConfig{ErrorRateThreshold: percent(2)})
	for i := 0; i < 9; i++ {
		if conditions := h.push(domain.PoolBlue, 500); len(conditions) != 0 {
			t.Fatalf("evaluated before window full: %+v", conditions)
		}
	}
	if conditions := h.push(domain.PoolBlue, 500); countKind(conditions, domain.ConditionHighErrorRate) != 1 {
		t.Fatalf("expected high error rate when full, got %+v", conditions)
	}

	early := newHarness(10, config.DetectConfig{ErrorRateThreshold: percent(2), MinSamples: 1})
	if conditions := early.push(domain.PoolBlue, 500); countKind(conditions, domain.ConditionHighErrorRate) != 1 {
		t.Fatalf("min_samples=1 must evaluate immediately, got %+v", conditions)
	}
}

func TestDetectorEvaluateEvery(t *testing.T) {
	t.Parallel()

	h := newHarness(4, config.DetectConfig{ErrorRateThreshold: percent(10), EvaluateEvery: 3, MinSamples: 1})
	if conditions := h.push(domain.PoolBlue, 500); len(conditions) != 0 {
		t.Fatalf("evaluated on event 1: %+v", conditions)
	}
	if conditions := h.push(domain.PoolBlue, 500); len(conditions) != 0 {
		t.Fatalf("evaluated on event 2: %+v", conditions)
	}
	if conditions := h.push(domain.PoolBlue, 500); countKind(conditions, domain.ConditionHighErrorRate) != 1 {
		t.Fatalf("expected evaluation on event 3: %+v", conditions)
	}
}

func TestDetectorZeroTimestampUsesClock(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	w := window.New(5)
	detector := NewDetector(config.DetectConfig{ErrorRateThreshold: percent(2)}, w, clock.NewManual(base))
	for _, pool := range []domain.Pool{domain.PoolBlue, domain.PoolGreen} {
		event := domain.AccessEvent{Pool: pool, Status: 200}
		w.Push(event)
		conditions := detector.Observe(event)
		if pool == domain.PoolGreen {
			if len(conditions) != 1 || !conditions[0].Timestamp.Equal(base) {
				t.Fatalf("unexpected %+v", conditions)
			}
		}
	}
}
