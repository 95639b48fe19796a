package telemetry

import (
	"strings"
	"sync"

	"coopwatch/internal/domain"
)

// State holds canonical sensor snapshot for the monitored device.
// Params: latest field values, trusted last-seen marker, and reported status.
// Returns: thread-safe telemetry state shared by ingest and evaluation.
type State struct {
	mu            sync.RWMutex
	sensors       domain.SensorState
	deviceStatus  string
	statusAtMS    int64
	lastSampleMS  int64
	samplesByKind map[domain.InboundKind]uint64
}

// Status is informational device status and ingest counters.
type Status struct {
	DeviceStatus   string            `json:"deviceStatus,omitempty"`
	StatusAtMS     int64             `json:"statusAt,omitempty"`
	LastSampleAtMS int64             `json:"lastSampleAt,omitempty"`
	Samples        map[string]uint64 `json:"samples"`
}

// NewState creates zero-valued telemetry state.
// Params: none.
// Returns: state with no liveness sample.
func NewState() *State {
	return &State{samplesByKind: make(map[domain.InboundKind]uint64)}
}

// ApplyField overwrites one push-channel field.
// Params: field update and receive time; last-seen marker is untouched.
// Returns: false for unknown field.
func (s *State) ApplyField(update domain.FieldUpdate, nowMS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch update.Field {
	case domain.FieldTemperature:
		s.sensors.Temperature = update.Value
	case domain.FieldHumidity:
		s.sensors.Humidity = update.Value
	case domain.FieldFeed:
		s.sensors.FeedLevel = update.Value
	case domain.FieldWater:
		s.sensors.WaterLevel = update.Value
	default:
		return false
	}
	s.lastSampleMS = nowMS
	s.samplesByKind[domain.InboundField]++
	return true
}

// ApplySnapshot merges fallback-channel sample.
// Params: snapshot with optional fields and receive time.
// Returns: true when trusted lastUpdate advanced the last-seen marker.
func (s *State) ApplySnapshot(snapshot domain.Snapshot, nowMS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Temperature != nil {
		s.sensors.Temperature = *snapshot.Temperature
	}
	if snapshot.Humidity != nil {
		s.sensors.Humidity = *snapshot.Humidity
	}
	if snapshot.FeedLevel != nil {
		s.sensors.FeedLevel = *snapshot.FeedLevel
	}
	if snapshot.WaterLevel != nil {
		s.sensors.WaterLevel = *snapshot.WaterLevel
	}
	s.lastSampleMS = nowMS
	s.samplesByKind[domain.InboundSnapshot]++

	if snapshot.LastUpdateMS == nil {
		return false
	}
	lastSeen := *snapshot.LastUpdateMS
	// replayed or out-of-order snapshots never move liveness backwards
	if s.sensors.LastSeenAtMS != nil && lastSeen <= *s.sensors.LastSeenAtMS {
		return false
	}
	s.sensors.LastSeenAtMS = &lastSeen
	return true
}

// ApplyStatus records device self-reported status.
// Params: raw status payload and receive time.
// Returns: normalized status value.
func (s *State) ApplyStatus(raw string, nowMS int64) string {
	status := strings.ToLower(strings.TrimSpace(raw))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceStatus = status
	s.statusAtMS = nowMS
	s.samplesByKind[domain.InboundDeviceStatus]++
	return status
}

// Sensors returns a copy of canonical sensor state.
// Params: none.
// Returns: sensor snapshot safe to use without locks.
func (s *State) Sensors() domain.SensorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sensors
	if s.sensors.LastSeenAtMS != nil {
		lastSeen := *s.sensors.LastSeenAtMS
		out.LastSeenAtMS = &lastSeen
	}
	return out
}

// Status returns informational status and counters.
// Params: none.
// Returns: status copy.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := make(map[string]uint64, len(s.samplesByKind))
	for kind, count := range s.samplesByKind {
		samples[kind.String()] = count
	}
	return Status{
		DeviceStatus:   s.deviceStatus,
		StatusAtMS:     s.statusAtMS,
		LastSampleAtMS: s.lastSampleMS,
		Samples:        samples,
	}
}
