package domain

import "time"

// ConditionKind identifies one alert condition class.
// Params: failover/high_error_rate/recovery constants.
// Returns: key for cooldown tracking and template lookup.
type ConditionKind string

const (
	// ConditionFailover marks an observed switch of the active pool.
	ConditionFailover ConditionKind = "failover"
	// ConditionHighErrorRate marks error rate crossing threshold upward.
	ConditionHighErrorRate ConditionKind = "high_error_rate"
	// ConditionRecovery marks error rate dropping back under threshold.
	ConditionRecovery ConditionKind = "recovery"
)

// ConditionKinds returns all supported kinds in deterministic order.
// Params: none.
// Returns: kind list.
func ConditionKinds() []ConditionKind {
	return []ConditionKind{ConditionFailover, ConditionHighErrorRate, ConditionRecovery}
}

// AlertCondition is one detector output.
// Params: Kind selects which fields are meaningful (From/To for failover, rate fields for error rate).
// Returns: transient condition flowing from detector to notifier.
type AlertCondition struct {
	Kind       ConditionKind
	From       Pool
	To         Pool
	Rate       float64
	Threshold  float64
	WindowSize int
	Samples    int
	ErrorCount int
	Timestamp  time.Time
}

// NewFailover builds failover condition.
// Params: previous pool, new pool, and observation time.
// Returns: failover condition.
func NewFailover(from, to Pool, at time.Time) AlertCondition {
	return AlertCondition{Kind: ConditionFailover, From: from, To: to, Timestamp: at}
}

// Notification contains rendered outbound payload for sinks.
// Params: condition details flattened for templates plus rendered message.
// Returns: one notification request for sink layer.
type Notification struct {
	Service          string        `json:"service"`
	Kind             ConditionKind `json:"kind"`
	Title            string        `json:"title"`
	Message          string        `json:"message"`
	From             string        `json:"from,omitempty"`
	To               string        `json:"to,omitempty"`
	RatePercent      float64       `json:"rate_percent,omitempty"`
	ThresholdPercent float64       `json:"threshold_percent,omitempty"`
	WindowSize       int           `json:"window_size,omitempty"`
	Samples          int           `json:"samples,omitempty"`
	ErrorCount       int           `json:"error_count,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// NotificationFor flattens condition into template/sink payload.
// Params: service name and detector condition.
// Returns: notification without rendered title/message.
func NotificationFor(service string, condition AlertCondition) Notification {
	notification := Notification{
		Service:   service,
		Kind:      condition.Kind,
		Timestamp: condition.Timestamp,
	}
	switch condition.Kind {
	case ConditionFailover:
		notification.From = condition.From.Label()
		notification.To = condition.To.Label()
	case ConditionHighErrorRate, ConditionRecovery:
		notification.RatePercent = condition.Rate * 100
		notification.ThresholdPercent = condition.Threshold * 100
		notification.WindowSize = condition.WindowSize
		notification.Samples = condition.Samples
		notification.ErrorCount = condition.ErrorCount
	}
	return notification
}
