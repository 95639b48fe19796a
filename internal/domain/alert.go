package domain

import "strings"

// AlertType names one fixed alert condition.
// Params: enumeration constants below.
// Returns: stable type key for suppression and resolution.
type AlertType string

const (
	// AlertLowFeed fires when feed level drops below threshold.
	AlertLowFeed AlertType = "LowFeed"
	// AlertHighTemperature fires when temperature exceeds upper bound.
	AlertHighTemperature AlertType = "HighTemperature"
	// AlertLowTemperature fires when temperature is below lower bound.
	AlertLowTemperature AlertType = "LowTemperature"
	// AlertHighHumidity fires when humidity exceeds upper bound.
	AlertHighHumidity AlertType = "HighHumidity"
	// AlertLowHumidity fires when humidity is below lower bound.
	AlertLowHumidity AlertType = "LowHumidity"
	// AlertLowWater fires when water level drops below threshold.
	AlertLowWater AlertType = "LowWater"
	// AlertDeviceOffline fires when device stopped reporting.
	AlertDeviceOffline AlertType = "DeviceOffline"
)

// SensorCategory groups alert types sharing one resolution condition.
// Params: category constants below.
// Returns: auto-resolve grouping key.
type SensorCategory string

const (
	CategoryTemperature SensorCategory = "temperature"
	CategoryHumidity    SensorCategory = "humidity"
	CategoryFeed        SensorCategory = "feed"
	CategoryWater       SensorCategory = "water"
	CategoryLiveness    SensorCategory = "liveness"
)

// Category maps alert type into its resolution category.
// Params: none.
// Returns: category and false for unknown types.
func (t AlertType) Category() (SensorCategory, bool) {
	switch t {
	case AlertHighTemperature, AlertLowTemperature:
		return CategoryTemperature, true
	case AlertHighHumidity, AlertLowHumidity:
		return CategoryHumidity, true
	case AlertLowFeed:
		return CategoryFeed, true
	case AlertLowWater:
		return CategoryWater, true
	case AlertDeviceOffline:
		return CategoryLiveness, true
	default:
		return "", false
	}
}

// Severity is alert urgency tier.
// Params: warning/critical constants.
// Returns: reminder interval and ordering key.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// NormalizeSeverity treats anything but critical as warning.
// Params: raw severity value from store.
// Returns: normalized severity.
func NormalizeSeverity(value Severity) Severity {
	if Severity(strings.ToLower(strings.TrimSpace(string(value)))) == SeverityCritical {
		return SeverityCritical
	}
	return SeverityWarning
}

// ResolvedBy records who closed an alert.
type ResolvedBy string

const (
	ResolvedByAuto     ResolvedBy = "auto"
	ResolvedByOperator ResolvedBy = "operator"
)

// Alert is one persisted raised condition instance.
// Params: identity, classification, lifecycle timestamps.
// Returns: record stored in the realtime alert collection.
type Alert struct {
	ID           string     `json:"id"`
	Type         AlertType  `json:"type"`
	Message      string     `json:"message"`
	Severity     Severity   `json:"severity"`
	CreatedAtMS  int64      `json:"timestamp"`
	Resolved     bool       `json:"resolved"`
	ResolvedAtMS *int64     `json:"resolvedAt,omitempty"`
	ResolvedBy   ResolvedBy `json:"resolvedBy,omitempty"`
	Source       string     `json:"source,omitempty"`
}

// MarkResolved applies terminal resolution fields.
// Params: resolve timestamp and actor.
// Returns: false when alert was already resolved (no-op).
func (a *Alert) MarkResolved(nowMS int64, by ResolvedBy) bool {
	if a.Resolved {
		return false
	}
	resolvedAt := nowMS
	a.Resolved = true
	a.ResolvedAtMS = &resolvedAt
	a.ResolvedBy = by
	return true
}

// NotificationKind classifies outbound notifications.
type NotificationKind string

const (
	NotificationRaised   NotificationKind = "raised"
	NotificationReminder NotificationKind = "reminder"
	NotificationResolved NotificationKind = "resolved"
)

// Notification is one best-effort outbound message.
// Params: title/body text plus grouping tag and renotify hint.
// Returns: payload for notification sinks.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Tag         string           `json:"tag,omitempty"`
	Renotify    bool             `json:"renotify"`
	AlertID     string           `json:"alert_id,omitempty"`
	AlertType   AlertType        `json:"alert_type,omitempty"`
	Severity    Severity         `json:"severity,omitempty"`
	TimestampMS int64            `json:"timestamp"`
}
