package ingest

import (
	"strings"

	"coopwatch/internal/domain"
)

// Topics is MQTT topic layout under one device prefix.
// Params: prefix such as "chickulungan".
// Returns: subscribe filters and publish topics for the device.
type Topics struct {
	Prefix string
}

// NewTopics builds topic layout for prefix.
// Params: topic prefix; surrounding slashes are trimmed.
// Returns: topic layout.
func NewTopics(prefix string) Topics {
	return Topics{Prefix: strings.Trim(strings.TrimSpace(prefix), "/")}
}

// Sensor returns push topic for one sensor suffix.
// Params: topic suffix ("temp", "humidity", "feed", "water").
// Returns: full topic.
func (t Topics) Sensor(suffix string) string {
	return t.Prefix + "/sensor/" + suffix
}

// SensorFilter matches every sensor push topic.
func (t Topics) SensorFilter() string {
	return t.Prefix + "/sensor/+"
}

// Log is device free-text log topic.
func (t Topics) Log() string {
	return t.Prefix + "/log"
}

// Status is device self-reported status topic.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// Schedules is retained feeding schedule topic consumed by the device.
func (t Topics) Schedules() string {
	return t.Prefix + "/schedules"
}

// FeedControl is feed-now command topic.
func (t Topics) FeedControl() string {
	return t.Prefix + "/control/feed"
}

// Decode maps one received MQTT message into inbound event.
// Params: topic and raw payload.
// Returns: event and false for topics outside the device layout.
func (t Topics) Decode(topic string, payload []byte) (domain.InboundEvent, bool) {
	text := string(payload)
	switch topic {
	case t.Log():
		line := strings.TrimSpace(text)
		if line == "" {
			return domain.InboundEvent{}, false
		}
		return domain.InboundEvent{Kind: domain.InboundDeviceLog, Channel: ChannelMQTT, Text: line}, true
	case t.Status():
		return domain.InboundEvent{Kind: domain.InboundDeviceStatus, Channel: ChannelMQTT, Text: strings.TrimSpace(text)}, true
	}

	sensorPrefix := t.Prefix + "/sensor/"
	if !strings.HasPrefix(topic, sensorPrefix) {
		return domain.InboundEvent{}, false
	}
	field, ok := domain.ParseSensorField(strings.TrimPrefix(topic, sensorPrefix))
	if !ok {
		return domain.InboundEvent{}, false
	}
	return domain.InboundEvent{
		Kind:    domain.InboundField,
		Channel: ChannelMQTT,
		Field:   domain.FieldUpdate{Field: field, Value: domain.ParseReading(text)},
	}, true
}
