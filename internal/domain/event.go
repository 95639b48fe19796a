package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SensorField identifies one push-channel sensor value.
// Params: field constants below.
// Returns: key for discrete field updates.
type SensorField string

const (
	FieldTemperature SensorField = "temperature"
	FieldHumidity    SensorField = "humidity"
	FieldFeed        SensorField = "feed"
	FieldWater       SensorField = "water"
)

// ParseSensorField normalizes field name including short MQTT topic suffixes.
// Params: raw field name such as "temp" or "temperature".
// Returns: field and false for unknown names.
func ParseSensorField(raw string) (SensorField, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "temp", "temperature":
		return FieldTemperature, true
	case "humidity":
		return FieldHumidity, true
	case "feed", "feedlevel":
		return FieldFeed, true
	case "water", "waterlevel":
		return FieldWater, true
	default:
		return "", false
	}
}

// SensorState is canonical snapshot for the monitored device.
// Params: latest values per field and trusted last-seen marker.
// Returns: input for liveness and alert evaluation.
type SensorState struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	FeedLevel    float64 `json:"feedLevel"`
	WaterLevel   float64 `json:"waterLevel"`
	LastSeenAtMS *int64  `json:"lastSeenAt,omitempty"`
}

// Value reads one field from state.
// Params: sensor field.
// Returns: current value (0 for unknown field).
func (s SensorState) Value(field SensorField) float64 {
	switch field {
	case FieldTemperature:
		return s.Temperature
	case FieldHumidity:
		return s.Humidity
	case FieldFeed:
		return s.FeedLevel
	case FieldWater:
		return s.WaterLevel
	default:
		return 0
	}
}

// FieldUpdate is one push-channel sample.
type FieldUpdate struct {
	Field SensorField
	Value float64
}

// Snapshot is one fallback-channel bulk sample.
// Params: optional field values and optional trusted liveness timestamp.
// Returns: normalized fallback record; nil pointers mean "keep previous".
type Snapshot struct {
	Temperature  *float64
	Humidity     *float64
	FeedLevel    *float64
	WaterLevel   *float64
	LastUpdateMS *int64
}

// rawSnapshot mirrors the record written by the device firmware.
type rawSnapshot struct {
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
	FeedLevel   json.RawMessage `json:"feedLevel"`
	WaterLevel  json.RawMessage `json:"waterLevel"`
	LastUpdate  json.RawMessage `json:"lastUpdate"`
}

// DecodeSnapshot decodes fallback snapshot tolerating numbers as strings.
// Params: JSON document bytes.
// Returns: snapshot or error when the document is not a JSON object.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var body rawSnapshot
	if err := json.Unmarshal(raw, &body); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snapshot := Snapshot{
		Temperature: looseFloat(body.Temperature),
		Humidity:    looseFloat(body.Humidity),
		FeedLevel:   looseFloat(body.FeedLevel),
		WaterLevel:  looseFloat(body.WaterLevel),
	}
	// values outside int64 range mean no update
	if ts := looseFloat(body.LastUpdate); ts != nil && *ts > 0 && *ts < math.MaxInt64 {
		value := int64(*ts)
		snapshot.LastUpdateMS = &value
	}
	return snapshot, nil
}

// ParseReading parses push payload as float, falling back to 0.
// Params: raw payload text.
// Returns: parsed finite value or 0 for malformed payloads.
func ParseReading(payload string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

// looseFloat decodes JSON number or numeric string.
// Params: raw JSON value.
// Returns: pointer to value or nil when absent/non-numeric.
func looseFloat(raw json.RawMessage) *float64 {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
		trimmed = strings.TrimSpace(text)
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	return &value
}

// InboundKind classifies one device-originated event.
type InboundKind int

const (
	// InboundField is one push-channel sensor field update.
	InboundField InboundKind = iota + 1
	// InboundSnapshot is one fallback-channel bulk sample.
	InboundSnapshot
	// InboundDeviceLog is one free-text device log line.
	InboundDeviceLog
	// InboundDeviceStatus is device self-reported online/offline status.
	InboundDeviceStatus
)

// String returns stable kind label for logs and metrics.
// Params: none.
// Returns: lower-case label.
func (k InboundKind) String() string {
	switch k {
	case InboundField:
		return "field"
	case InboundSnapshot:
		return "snapshot"
	case InboundDeviceLog:
		return "device_log"
	case InboundDeviceStatus:
		return "device_status"
	default:
		return "unknown"
	}
}

// InboundEvent is one normalized event delivered on the ingest bus.
// Params: kind-specific payload plus channel name.
// Returns: bus message consumed by the manager.
type InboundEvent struct {
	Kind     InboundKind
	Channel  string
	Field    FieldUpdate
	Snapshot Snapshot
	Text     string
}
