package domain

// AlertSeverity orders alerts for operator triage.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertError    AlertSeverity = "error"
	AlertCritical AlertSeverity = "critical"
)

// AlertType names the condition that raised an alert. Cooldown suppression
// is keyed by (type, connection).
type AlertType string

const (
	AlertTypeBreakerOpen      AlertType = "breaker_open"
	AlertTypeConnectionFailed AlertType = "connection_failed"
	AlertTypeEmergency        AlertType = "emergency"
	AlertTypeForkDetected     AlertType = "fork_detected"
	AlertTypeForkCritical     AlertType = "fork_critical"
	AlertTypeParseFailureRate AlertType = "parse_failure_rate"
)

// Alert is a single operator-facing notification.
type Alert struct {
	ID           string
	Type         AlertType
	ConnectionID string // empty when not connection-scoped
	Severity     AlertSeverity
	Title        string
	Message      string
	CreatedAt    int64 // Unix milliseconds
}
