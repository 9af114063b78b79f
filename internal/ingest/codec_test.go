package ingest

import (
	"errors"
	"testing"
	"time"

	"poolwatch/internal/domain"
)

func TestParseLineValidRecord(t *testing.T) {
	t.Parallel()

	line := `{"timestamp":"2026-10-18T10:00:00+00:00","pool":"Blue","release":"v1","upstream_status":"200","status":"200","request_time":"0.012","upstream_response_time":"0.010","path":"/version"}`
	event, err := ParseLine(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Pool != domain.PoolBlue {
		t.Fatalf("pool=%q", event.Pool)
	}
	if event.Status != 200 || event.UpstreamStatus != 200 || !event.UpstreamReached() {
		t.Fatalf("statuses=%d/%d", event.Status, event.UpstreamStatus)
	}
	if event.RequestTime != 12*time.Millisecond {
		t.Fatalf("request_time=%v", event.RequestTime)
	}
	if !event.HasUpstreamTiming || event.UpstreamResponseTime != 10*time.Millisecond {
		t.Fatalf("upstream_response_time=%v has=%v", event.UpstreamResponseTime, event.HasUpstreamTiming)
	}
	want := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Fatalf("timestamp=%v", event.Timestamp)
	}
}

func TestParseLineUpstreamDashIsAbsent(t *testing.T) {
	t.Parallel()

	event, err := ParseLine(`{"timestamp":"2026-10-18T10:00:00Z","pool":"","upstream_status":"-","status":"502","request_time":"5.001","upstream_response_time":"-"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.UpstreamReached() || event.UpstreamStatus != 0 {
		t.Fatalf("expected absent upstream, got %d", event.UpstreamStatus)
	}
	if event.HasUpstreamTiming {
		t.Fatalf("expected absent upstream timing")
	}
	if event.Status != 502 || event.Pool != domain.PoolUnknown {
		t.Fatalf("status=%d pool=%q", event.Status, event.Pool)
	}
}

func TestParseLineMultiUpstreamTakesLast(t *testing.T) {
	t.Parallel()

	event, err := ParseLine(`{"timestamp":"2026-10-18T10:00:00Z","pool":"blue, green","upstream_status":"502, 200","status":"200","request_time":"0.5","upstream_response_time":"0.100, 0.200"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Pool != domain.PoolGreen || event.UpstreamStatus != 200 || event.UpstreamResponseTime != 200*time.Millisecond {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestParseLineAcceptsNumbersAndNginxLocalTime(t *testing.T) {
	t.Parallel()

	event, err := ParseLine(`{"timestamp":"18/Oct/2026:10:00:00 +0200","pool":"green","upstream_status":503,"status":503,"request_time":0.25,"upstream_response_time":null}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Status != 503 || event.UpstreamStatus != 503 {
		t.Fatalf("statuses=%d/%d", event.Status, event.UpstreamStatus)
	}
	if !event.Timestamp.Equal(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp=%v", event.Timestamp)
	}
}

func TestParseLineMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          "   ",
		"plain text":     `127.0.0.1 - - "GET / HTTP/1.1" 200`,
		"broken json":    `{"timestamp":"2026-10-18T10:00:00Z","pool":"blue"`,
		"missing status": `{"timestamp":"x","pool":"blue","upstream_status":"200","request_time":"0.1","upstream_response_time":"0.1"}`,
		"missing pool":   `{"timestamp":"x","upstream_status":"200","status":"200","request_time":"0.1","upstream_response_time":"0.1"}`,
		"bad status":     `{"timestamp":"x","pool":"blue","upstream_status":"200","status":"ok","request_time":"0.1","upstream_response_time":"0.1"}`,
		"dash status":    `{"timestamp":"x","pool":"blue","upstream_status":"200","status":"-","request_time":"0.1","upstream_response_time":"0.1"}`,
		"object value":   `{"timestamp":"x","pool":{"a":1},"upstream_status":"200","status":"200","request_time":"0.1","upstream_response_time":"0.1"}`,
	}
	for name, line := range cases {
		_, err := ParseLine(line)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
		var parseErr *ParseError
		if !errors.As(err, &parseErr) || parseErr.Reason == "" {
			t.Fatalf("%s: expected ParseError with reason, got %v", name, err)
		}
	}
}

func TestParseLineDegradesUnparseableOptionalValues(t *testing.T) {
	t.Parallel()

	event, err := ParseLine(`{"timestamp":"yesterday","pool":"blue","upstream_status":"n/a","status":"200","request_time":"fast","upstream_response_time":"slow"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !event.Timestamp.IsZero() || event.UpstreamReached() || event.RequestTime != 0 || event.HasUpstreamTiming {
		t.Fatalf("expected degraded optional values, got %+v", event)
	}
}
