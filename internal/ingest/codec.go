package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"poolwatch/internal/domain"
)

// ErrMalformed marks access log lines that cannot be turned into events.
var ErrMalformed = errors.New("malformed access record")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"02/Jan/2006:15:04:05 -0700",
}

// ParseError describes why one line was rejected.
// Params: short reason and optional decode cause.
// Returns: error matching ErrMalformed via errors.Is.
type ParseError struct {
	Reason string
	Err    error
}

// Error returns reason with wrapped cause.
func (e *ParseError) Error() string {
	if e.Err == nil {
		return "malformed access record: " + e.Reason
	}
	return "malformed access record: " + e.Reason + ": " + e.Err.Error()
}

// Is matches ErrMalformed.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformed
}

// Unwrap exposes decode cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// logField holds one access log value that may be encoded as JSON string or number.
// Params: raw JSON token.
// Returns: textual value plus presence marker.
type logField struct {
	value   string
	present bool
}

// UnmarshalJSON accepts strings, numbers, and null.
// Params: raw JSON token.
// Returns: error for objects, arrays, and booleans.
func (f *logField) UnmarshalJSON(raw []byte) error {
	f.present = true
	token := bytes.TrimSpace(raw)
	if len(token) == 0 || bytes.Equal(token, []byte("null")) {
		f.value = ""
		return nil
	}
	switch token[0] {
	case '"':
		return json.Unmarshal(token, &f.value)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		f.value = string(token)
		return nil
	default:
		return fmt.Errorf("unsupported value %s", token)
	}
}

// accessRecord mirrors the proxy JSON log format; unknown keys are ignored.
type accessRecord struct {
	Timestamp            logField `json:"timestamp"`
	Pool                 logField `json:"pool"`
	UpstreamStatus       logField `json:"upstream_status"`
	Status               logField `json:"status"`
	RequestTime          logField `json:"request_time"`
	UpstreamResponseTime logField `json:"upstream_response_time"`
}

// requiredFields lists keys in the order they are reported when missing.
func (r *accessRecord) requiredFields() []struct {
	name  string
	field *logField
} {
	return []struct {
		name  string
		field *logField
	}{
		{"timestamp", &r.Timestamp},
		{"pool", &r.Pool},
		{"upstream_status", &r.UpstreamStatus},
		{"status", &r.Status},
		{"request_time", &r.RequestTime},
		{"upstream_response_time", &r.UpstreamResponseTime},
	}
}

// ParseLine decodes one complete access log line.
// Params: line without trailing terminator.
// Returns: access event or *ParseError wrapping ErrMalformed.
func ParseLine(line string) (domain.AccessEvent, error) {
	payload := bytes.TrimSpace([]byte(line))
	if len(payload) == 0 {
		return domain.AccessEvent{}, &ParseError{Reason: "empty line"}
	}
	if payload[0] != '{' {
		return domain.AccessEvent{}, &ParseError{Reason: "not a json object"}
	}

	var record accessRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return domain.AccessEvent{}, &ParseError{Reason: "invalid json", Err: err}
	}
	for _, required := range record.requiredFields() {
		if !required.field.present {
			return domain.AccessEvent{}, &ParseError{Reason: fmt.Sprintf("missing field %q", required.name)}
		}
	}

	status, err := parseStatus(lastListValue(record.Status.value))
	if err != nil {
		return domain.AccessEvent{}, &ParseError{Reason: "invalid status", Err: err}
	}

	event := domain.AccessEvent{
		Timestamp: parseTimestamp(record.Timestamp.value),
		Pool:      domain.ParsePool(lastListValue(record.Pool.value)),
		Status:    status,
	}
	if upstream := lastListValue(record.UpstreamStatus.value); !isAbsent(upstream) {
		// Non-numeric upstream status degrades to "no upstream reached".
		if code, err := parseStatus(upstream); err == nil {
			event.UpstreamStatus = code
		}
	}
	if value, ok := parseSeconds(record.RequestTime.value); ok {
		event.RequestTime = value
	}
	if value, ok := parseSeconds(lastListValue(record.UpstreamResponseTime.value)); ok {
		event.UpstreamResponseTime = value
		event.HasUpstreamTiming = true
	}
	return event, nil
}

// lastListValue picks the last upstream from nginx multi-upstream values ("502, 200" or "a : b").
// Params: raw field value.
// Returns: trimmed last element.
func lastListValue(raw string) string {
	value := strings.TrimSpace(raw)
	if idx := strings.LastIndexAny(value, ",:"); idx >= 0 {
		value = strings.TrimSpace(value[idx+1:])
	}
	return value
}

func isAbsent(value string) bool {
	return value == "" || value == "-"
}

// parseStatus converts HTTP status text into integer.
// Params: digits-only status value.
// Returns: status code in 100..999 or error.
func parseStatus(value string) (int, error) {
	if isAbsent(value) {
		return 0, errors.New("status is empty")
	}
	code, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if code < 100 || code > 999 {
		return 0, fmt.Errorf("status %d out of range", code)
	}
	return code, nil
}

// parseSeconds converts decimal seconds into duration.
// Params: value like "0.123".
// Returns: duration and false when absent or invalid.
func parseSeconds(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if isAbsent(value) {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// parseTimestamp accepts ISO-8601 and nginx local time formats.
// Params: raw timestamp text.
// Returns: UTC time or zero time when unparseable.
func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
