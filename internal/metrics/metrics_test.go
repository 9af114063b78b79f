package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"poolwatch/internal/domain"
)

func TestSetActivePool(t *testing.T) {
	SetActivePool(domain.PoolGreen)

	if got := testutil.ToFloat64(ActivePool.WithLabelValues("GREEN")); got != 1 {
		t.Fatalf("GREEN=%v want 1", got)
	}
	if got := testutil.ToFloat64(ActivePool.WithLabelValues("BLUE")); got != 0 {
		t.Fatalf("BLUE=%v want 0", got)
	}

	SetActivePool(domain.PoolBlue)
	if got := testutil.ToFloat64(ActivePool.WithLabelValues("GREEN")); got != 0 {
		t.Fatalf("GREEN after switch=%v want 0", got)
	}
}

func TestLinesCounter(t *testing.T) {
	before := testutil.ToFloat64(LinesTotal.WithLabelValues(LineMalformed))
	LinesTotal.WithLabelValues(LineMalformed).Inc()
	if got := testutil.ToFloat64(LinesTotal.WithLabelValues(LineMalformed)); got != before+1 {
		t.Fatalf("malformed=%v want %v", got, before+1)
	}
}
