package domain

import (
	"strings"
	"time"
)

// Pool identifies one backend pool behind the reverse proxy.
// Params: constants blue/green/unknown.
// Returns: normalized pool value used across pipeline.
type Pool string

const (
	// PoolUnknown marks records without a recognizable pool value.
	PoolUnknown Pool = "unknown"
	// PoolBlue marks the blue backend pool.
	PoolBlue Pool = "blue"
	// PoolGreen marks the green backend pool.
	PoolGreen Pool = "green"
)

// ParsePool maps raw pool header value to known pool.
// Params: raw value, case-insensitive; surrounding spaces ignored.
// Returns: PoolBlue, PoolGreen, or PoolUnknown for any other value.
func ParsePool(raw string) Pool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PoolBlue):
		return PoolBlue
	case string(PoolGreen):
		return PoolGreen
	default:
		return PoolUnknown
	}
}

// Known reports whether pool is blue or green.
// Params: none.
// Returns: false for PoolUnknown and empty values.
func (p Pool) Known() bool {
	return p == PoolBlue || p == PoolGreen
}

// Label renders pool name for operator-facing messages.
// Params: none.
// Returns: upper-case pool name.
func (p Pool) Label() string {
	if p == "" {
		return strings.ToUpper(string(PoolUnknown))
	}
	return strings.ToUpper(string(p))
}

// AccessEvent is one decoded proxy access log record.
// Params: request timestamp, serving pool, status codes, and timings.
// Returns: immutable value passed by copy through pipeline stages.
type AccessEvent struct {
	Timestamp time.Time
	Pool      Pool
	// UpstreamStatus is 0 when no upstream was reached.
	UpstreamStatus       int
	Status               int
	RequestTime          time.Duration
	UpstreamResponseTime time.Duration
	HasUpstreamTiming    bool
}

// UpstreamReached reports whether the proxy got a status from an upstream.
// Params: none.
// Returns: true when upstream status is present.
func (e AccessEvent) UpstreamReached() bool {
	return e.UpstreamStatus > 0
}

// IsServerError reports whether client-facing status is 5xx or above.
// Params: none.
// Returns: true when status >= 500.
func (e AccessEvent) IsServerError() bool {
	return e.Status >= 500
}
