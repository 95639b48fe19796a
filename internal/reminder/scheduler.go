package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/engine"
	"coopwatch/internal/logging"
	"coopwatch/internal/metrics"
	"coopwatch/internal/templatefmt"
)

const bodyLimit = 160

// Notifier accepts best-effort notifications.
type Notifier interface {
	Notify(notification domain.Notification) error
}

// TickResult summarizes one scheduler tick.
// Params: skip flag, reminded IDs, dropped entries, and persist outcome.
// Returns: tick report for logs and tests.
type TickResult struct {
	Skipped   bool
	Reminded  []string
	Collected int
	Persisted bool
}

// Scheduler re-notifies unresolved alerts with severity-dependent spacing.
// Params: reminder policy, brand, state slot, notifier, and viewer presence.
// Returns: tick-driven reminder worker with persisted last-reminder map.
type Scheduler struct {
	cfg      config.ReminderConfig
	brand    string
	slot     Slot
	notifier Notifier
	presence *Presence
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	state map[string]int64
	// dirty stays set until a Save succeeds
	dirty bool
}

// NewScheduler creates scheduler with empty state.
// Params: reminder config, brand for titles/tags, slot, notifier, presence, logger, and metrics.
// Returns: scheduler; call Load once before ticking.
func NewScheduler(
	cfg config.ReminderConfig,
	brand string,
	slot Slot,
	notifier Notifier,
	presence *Presence,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Scheduler {
	if slot == nil {
		slot = NewMemorySlot()
	}
	if presence == nil {
		presence = NewPresence(cfg.ViewerActiveMS)
	}
	return &Scheduler{
		cfg:      cfg,
		brand:    brand,
		slot:     slot,
		notifier: notifier,
		presence: presence,
		logger:   logging.Component(logger, "reminder"),
		metrics:  m,
		state:    make(map[string]int64),
	}
}

// Load reads persisted state once at startup.
// Params: context.
// Returns: slot error; state stays empty on failure.
func (s *Scheduler) Load(ctx context.Context) error {
	loaded, err := s.slot.Load(ctx)
	if err != nil {
		return fmt.Errorf("load reminder state: %w", err)
	}
	s.mu.Lock()
	s.state = loaded
	s.mu.Unlock()
	s.logger.Debug("reminder state loaded", "entries", len(loaded))
	return nil
}

// Presence returns viewer tracker used by the policy.
func (s *Scheduler) Presence() *Presence {
	return s.presence
}

// State returns a copy of last-reminder map.
// Params: none.
// Returns: alert ID to epoch ms.
func (s *Scheduler) State() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Tick runs one reminder pass over known alerts.
// Params: context, current alert list, and current epoch ms.
// Returns: tick summary and slot write error (state in memory stays valid).
func (s *Scheduler) Tick(ctx context.Context, alerts []domain.Alert, nowMS int64) (TickResult, error) {
	if s.cfg.OnlyWhenInactive && s.presence.Active(nowMS) {
		return TickResult{Skipped: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result TickResult

	unresolved := engine.Unresolved(alerts)
	limit := s.cfg.MaxPerTick
	if limit <= 0 || limit > len(unresolved) {
		limit = len(unresolved)
	}
	for _, alert := range unresolved[:limit] {
		severity := domain.NormalizeSeverity(alert.Severity)
		if last, seen := s.state[alert.ID]; seen && nowMS-last < s.interval(severity) {
			continue
		}
		if err := s.notifier.Notify(s.buildNotification(alert, severity, nowMS)); err != nil {
			s.logger.Warn("reminder enqueue failed", "alert_id", alert.ID, "error", err.Error())
			continue
		}
		s.state[alert.ID] = nowMS
		s.dirty = true
		result.Reminded = append(result.Reminded, alert.ID)
		s.metrics.ReminderSent(string(severity))
		s.logger.Info("reminder sent", "alert_id", alert.ID, "type", string(alert.Type), "severity", string(severity))
	}

	active := make(map[string]struct{}, len(unresolved))
	for _, alert := range unresolved {
		active[alert.ID] = struct{}{}
	}
	for id := range s.state {
		if _, ok := active[id]; !ok {
			delete(s.state, id)
			result.Collected++
			s.dirty = true
		}
	}

	if !s.dirty {
		return result, nil
	}
	if err := s.slot.Save(ctx, copyState(s.state)); err != nil {
		return result, fmt.Errorf("save reminder state: %w", err)
	}
	s.dirty = false
	result.Persisted = true
	return result, nil
}

func (s *Scheduler) interval(severity domain.Severity) int64 {
	if severity == domain.SeverityCritical {
		return s.cfg.CriticalIntervalMS
	}
	return s.cfg.WarningIntervalMS
}

// buildNotification renders reminder title, body, and tag.
// Params: alert, normalized severity, and send time.
// Returns: reminder notification.
func (s *Scheduler) buildNotification(alert domain.Alert, severity domain.Severity, nowMS int64) domain.Notification {
	critical := severity == domain.SeverityCritical
	title := s.brand + ": Alert Reminder"
	if critical {
		title = s.brand + ": Critical Alert Reminder"
	}
	alertType := string(alert.Type)
	if alertType == "" {
		alertType = "Alert"
	}
	return domain.Notification{
		Kind:        domain.NotificationReminder,
		Title:       title,
		Body:        templatefmt.Truncate(alertType+" - "+alert.Message, bodyLimit),
		Tag:         ReminderTag(s.brand, severity),
		Renotify:    critical,
		AlertID:     alert.ID,
		AlertType:   alert.Type,
		Severity:    severity,
		TimestampMS: nowMS,
	}
}

// ReminderTag builds notification grouping tag for severity.
// Params: brand and severity.
// Returns: "<brand>-alert-critical" or "<brand>-alert-warning" in lower case.
func ReminderTag(brand string, severity domain.Severity) string {
	prefix := strings.ToLower(strings.Join(strings.Fields(brand), "-"))
	if domain.NormalizeSeverity(severity) == domain.SeverityCritical {
		return prefix + "-alert-critical"
	}
	return prefix + "-alert-warning"
}
