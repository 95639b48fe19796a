package liveness

import (
	"log/slog"
	"sync"

	"coopwatch/internal/domain"
	"coopwatch/internal/logging"
	"coopwatch/internal/templatefmt"
)

// State is derived device connectivity.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Observation is one liveness evaluation result.
// Params: derived state, sample presence, and age of last trusted update.
// Returns: input for DeviceOffline rule and resolution.
type Observation struct {
	State     State `json:"state"`
	HasSample bool  `json:"hasSample"`
	AgeMS     int64 `json:"ageMs"`
	Changed   bool  `json:"-"`
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State, obs Observation)

// Monitor derives Online/Offline from age of last trusted update.
// Params: offline threshold and transition observer.
// Returns: stateful monitor remembering previous state for transition logs.
type Monitor struct {
	mu          sync.Mutex
	thresholdMS int64
	current     State
	logger      *slog.Logger
	onChange    TransitionFunc
}

// NewMonitor creates monitor starting in Offline state.
// Params: offline threshold, logger, and optional transition callback.
// Returns: monitor instance.
func NewMonitor(thresholdMS int64, logger *slog.Logger, onChange TransitionFunc) *Monitor {
	return &Monitor{
		thresholdMS: thresholdMS,
		current:     Offline,
		logger:      logging.Component(logger, "liveness"),
		onChange:    onChange,
	}
}

// ThresholdMS returns configured offline threshold.
// Params: none.
// Returns: threshold in milliseconds.
func (m *Monitor) ThresholdMS() int64 {
	return m.thresholdMS
}

// Check evaluates liveness for current sensors at given time.
// Params: sensor snapshot and current epoch ms.
// Returns: observation with transition flag.
func (m *Monitor) Check(sensors domain.SensorState, nowMS int64) Observation {
	obs := Evaluate(sensors, nowMS, m.thresholdMS)

	m.mu.Lock()
	previous := m.current
	m.current = obs.State
	m.mu.Unlock()

	if previous == obs.State {
		return obs
	}
	obs.Changed = true
	if obs.State == Online {
		m.logger.Info("device online", "age", templatefmt.FormatElapsedMS(obs.AgeMS))
	} else if obs.HasSample {
		m.logger.Warn("device offline", "age", templatefmt.FormatElapsedMS(obs.AgeMS))
	}
	if m.onChange != nil {
		m.onChange(previous, obs.State, obs)
	}
	return obs
}

// Evaluate derives liveness without touching monitor state.
// Params: sensors, current time, and offline threshold.
// Returns: Offline without sample, otherwise Offline when age exceeds threshold.
func Evaluate(sensors domain.SensorState, nowMS, thresholdMS int64) Observation {
	if sensors.LastSeenAtMS == nil {
		return Observation{State: Offline}
	}
	age := nowMS - *sensors.LastSeenAtMS
	obs := Observation{HasSample: true, AgeMS: age, State: Online}
	if age > thresholdMS {
		obs.State = Offline
	}
	return obs
}
