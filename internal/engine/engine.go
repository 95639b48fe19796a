package engine

import (
	"sort"
	"sync"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/liveness"
	"coopwatch/internal/templatefmt"
)

// Action is kind of evaluation decision.
type Action int

const (
	// ActionCreate asks caller to persist a new alert.
	ActionCreate Action = iota + 1
	// ActionResolve asks caller to auto-resolve an existing alert.
	ActionResolve
	// ActionSuppress reports a candidate blocked by creation gate.
	ActionSuppress
)

const (
	// ReasonDebounce marks candidates inside per-type debounce window.
	ReasonDebounce = "debounce"
	// ReasonDuplicate marks candidates with a recent unresolved alert of same type.
	ReasonDuplicate = "duplicate"
)

// Candidate is one rule hit before creation gate.
// Params: alert type, severity, and message embedding the triggering value.
// Returns: rule table output.
type Candidate struct {
	Type     domain.AlertType
	Severity domain.Severity
	Message  string
}

// Decision is one evaluation outcome for the caller to apply.
// Params: action, candidate fields (create/suppress), alert ID (resolve), and gate reason.
// Returns: deterministic decision list entry.
type Decision struct {
	Action   Action
	Type     domain.AlertType
	Severity domain.Severity
	Message  string
	AlertID  string
	Reason   string
	AtMS     int64
}

// Input is everything one evaluation pass observes.
// Params: sensors, liveness observation, known alerts, and evaluation time.
// Returns: engine input snapshot.
type Input struct {
	Sensors  domain.SensorState
	Liveness liveness.Observation
	Alerts   []domain.Alert
	NowMS    int64
}

// Engine turns sensor state into alert create/resolve decisions.
// Params: thresholds, windows, and per-type last creation times.
// Returns: evaluator whose only memory is the debounce map.
type Engine struct {
	mu                 sync.Mutex
	thresholds         config.ThresholdsConfig
	offlineThresholdMS int64
	debounceMS         int64
	duplicateWindowMS  int64
	lastCreated        map[domain.AlertType]int64
}

// New constructs engine with configured thresholds and windows.
// Params: sensor thresholds, alert windows, and liveness offline threshold.
// Returns: initialized engine.
func New(thresholds config.ThresholdsConfig, alerts config.AlertsConfig, offlineThresholdMS int64) *Engine {
	return &Engine{
		thresholds:         thresholds,
		offlineThresholdMS: offlineThresholdMS,
		debounceMS:         alerts.DebounceMS,
		duplicateWindowMS:  alerts.DuplicateWindowMS,
		lastCreated:        make(map[domain.AlertType]int64),
	}
}

// Evaluate runs rule table, creation gate, and auto-resolution for one pass.
// Params: input snapshot; create decisions reserve the debounce slot of their type.
// Returns: create/suppress decisions in rule order followed by resolve decisions.
func (e *Engine) Evaluate(in Input) []Decision {
	candidates := e.Candidates(in.Sensors, in.Liveness)
	decisions := make([]Decision, 0, len(candidates))

	e.mu.Lock()
	for _, candidate := range candidates {
		decision := Decision{
			Type:     candidate.Type,
			Severity: candidate.Severity,
			Message:  candidate.Message,
			AtMS:     in.NowMS,
		}
		if reason := e.gateLocked(candidate.Type, in.Alerts, in.NowMS); reason != "" {
			decision.Action = ActionSuppress
			decision.Reason = reason
			decisions = append(decisions, decision)
			continue
		}
		e.lastCreated[candidate.Type] = in.NowMS
		decision.Action = ActionCreate
		decisions = append(decisions, decision)
	}
	e.mu.Unlock()

	for _, alert := range in.Alerts {
		if alert.Resolved || !e.ShouldResolve(alert.Type, in.Sensors, in.Liveness) {
			continue
		}
		decisions = append(decisions, Decision{
			Action:   ActionResolve,
			Type:     alert.Type,
			Severity: alert.Severity,
			AlertID:  alert.ID,
			AtMS:     in.NowMS,
		})
	}
	return decisions
}

// ReleaseDebounce rolls back a reservation after a failed create.
// Params: alert type and reservation time from the create decision.
// Returns: none; newer reservations are kept.
func (e *Engine) ReleaseDebounce(alertType domain.AlertType, reservedAtMS int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastCreated[alertType] == reservedAtMS {
		delete(e.lastCreated, alertType)
	}
}

// LastCreated returns last creation time for type.
// Params: alert type.
// Returns: epoch ms and false when type never fired.
func (e *Engine) LastCreated(alertType domain.AlertType) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.lastCreated[alertType]
	return at, ok
}

// Candidates evaluates the rule table without the creation gate.
// Params: sensors and liveness observation.
// Returns: rule hits in table order.
func (e *Engine) Candidates(sensors domain.SensorState, obs liveness.Observation) []Candidate {
	var out []Candidate
	if e.sensorRulesActive(obs) {
		th := e.thresholds
		if sensors.FeedLevel < th.LowFeed {
			out = append(out, Candidate{domain.AlertLowFeed, domain.SeverityCritical, "Feed level is low (" + templatefmt.FormatReading(sensors.FeedLevel) + "%)"})
		}
		if sensors.Temperature > th.HighTemperature {
			out = append(out, Candidate{domain.AlertHighTemperature, domain.SeverityCritical, "Temperature too high (" + templatefmt.FormatReading(sensors.Temperature) + "°C)"})
		}
		if sensors.Temperature < th.LowTemperature {
			out = append(out, Candidate{domain.AlertLowTemperature, domain.SeverityWarning, "Temperature too low (" + templatefmt.FormatReading(sensors.Temperature) + "°C)"})
		}
		if sensors.Humidity > th.HighHumidity {
			out = append(out, Candidate{domain.AlertHighHumidity, domain.SeverityWarning, "Humidity too high (" + templatefmt.FormatReading(sensors.Humidity) + "%)"})
		}
		if sensors.Humidity < th.LowHumidity {
			out = append(out, Candidate{domain.AlertLowHumidity, domain.SeverityWarning, "Humidity too low (" + templatefmt.FormatReading(sensors.Humidity) + "%)"})
		}
		if th.LowWater > 0 && sensors.WaterLevel < th.LowWater {
			out = append(out, Candidate{domain.AlertLowWater, domain.SeverityWarning, "Water level is low (" + templatefmt.FormatReading(sensors.WaterLevel) + "%)"})
		}
	}
	if obs.State == liveness.Offline && obs.HasSample && obs.AgeMS > e.offlineThresholdMS {
		out = append(out, Candidate{domain.AlertDeviceOffline, domain.SeverityCritical, "No device update for " + templatefmt.FormatElapsedMS(obs.AgeMS)})
	}
	return out
}

// ShouldResolve reports whether alert type condition has normalized.
// Params: alert type, sensors, and liveness observation.
// Returns: true when an unresolved alert of this type must auto-resolve.
func (e *Engine) ShouldResolve(alertType domain.AlertType, sensors domain.SensorState, obs liveness.Observation) bool {
	category, ok := alertType.Category()
	if !ok {
		return false
	}
	th := e.thresholds
	switch category {
	case domain.CategoryTemperature:
		return sensors.Temperature >= th.LowTemperature && sensors.Temperature <= th.HighTemperature
	case domain.CategoryHumidity:
		return sensors.Humidity >= th.LowHumidity && sensors.Humidity <= th.HighHumidity
	case domain.CategoryFeed:
		return sensors.FeedLevel >= th.LowFeed
	case domain.CategoryWater:
		return sensors.WaterLevel > 0 && sensors.WaterLevel >= th.LowWater
	case domain.CategoryLiveness:
		return obs.State == liveness.Online
	default:
		return false
	}
}

// sensorRulesActive reports whether sensor values are fresh enough to judge.
// Params: liveness observation.
// Returns: true when a trusted sample exists within offline threshold.
func (e *Engine) sensorRulesActive(obs liveness.Observation) bool {
	return obs.HasSample && obs.AgeMS <= e.offlineThresholdMS
}

// gateLocked applies debounce then duplicate suppression.
// Params: alert type, known alerts, and current time; caller holds e.mu.
// Returns: suppression reason or empty string when creation may proceed.
func (e *Engine) gateLocked(alertType domain.AlertType, alerts []domain.Alert, nowMS int64) string {
	if last, ok := e.lastCreated[alertType]; ok && nowMS-last < e.debounceMS {
		return ReasonDebounce
	}
	for _, alert := range alerts {
		if alert.Type == alertType && !alert.Resolved && nowMS-alert.CreatedAtMS < e.duplicateWindowMS {
			return ReasonDuplicate
		}
	}
	return ""
}

// Unresolved filters and orders unresolved alerts critical first, then newest.
// Params: alert list.
// Returns: new ordered slice.
func Unresolved(alerts []domain.Alert) []domain.Alert {
	out := make([]domain.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if !alert.Resolved {
			out = append(out, alert)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		left := domain.NormalizeSeverity(out[i].Severity) == domain.SeverityCritical
		right := domain.NormalizeSeverity(out[j].Severity) == domain.SeverityCritical
		if left != right {
			return left
		}
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS > out[j].CreatedAtMS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountBySeverity counts unresolved alerts per severity.
// Params: alert list.
// Returns: warning and critical counts.
func CountBySeverity(alerts []domain.Alert) (warning, critical int) {
	for _, alert := range alerts {
		if alert.Resolved {
			continue
		}
		if domain.NormalizeSeverity(alert.Severity) == domain.SeverityCritical {
			critical++
		} else {
			warning++
		}
	}
	return warning, critical
}
