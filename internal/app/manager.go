package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coopwatch/internal/clock"
	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/engine"
	"coopwatch/internal/liveness"
	"coopwatch/internal/logging"
	"coopwatch/internal/metrics"
	"coopwatch/internal/reminder"
	"coopwatch/internal/state"
	"coopwatch/internal/telemetry"

	"github.com/google/uuid"
)

const resolveAttempts = 3

var (
	// ErrResolveInProgress reports alert already being resolved by another caller.
	ErrResolveInProgress = errors.New("alert resolution in progress")
	// ErrNotSynced reports alert cache that has not finished initial replay.
	ErrNotSynced = errors.New("alert store not synced")
)

// Notifier accepts best-effort notifications.
type Notifier interface {
	Notify(notification domain.Notification) error
}

// ActivityLog appends operator-visible activity entries.
type ActivityLog interface {
	AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
}

// Status is dashboard summary returned by the status endpoint.
type Status struct {
	Sensors    domain.SensorState   `json:"sensors"`
	Liveness   liveness.Observation `json:"liveness"`
	Device     telemetry.Status     `json:"device"`
	Unresolved UnresolvedCounts     `json:"unresolved"`
	Synced     bool                 `json:"synced"`
	NowMS      int64                `json:"now"`
}

// UnresolvedCounts holds unresolved alert counts per severity.
type UnresolvedCounts struct {
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

type cachedAlert struct {
	alert    domain.Alert
	revision uint64
}

// Manager coordinates telemetry state, liveness, evaluation, and alert persistence.
// Params: runtime config, alert store, activity log, notifier, clock, logger, and metrics.
// Returns: event bus handler and periodic worker entrypoint.
type Manager struct {
	brand    string
	source   string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	store    state.Store
	activity ActivityLog
	notifier Notifier

	telemetry *telemetry.State
	liveness  *liveness.Monitor
	engine    *engine.Engine
	inFlight  *engine.InFlight

	// cycleMu serializes state mutation, liveness check, and evaluation.
	cycleMu     sync.Mutex
	wentOffline bool

	// cacheMu guards the watched alert mirror; never held across store calls.
	cacheMu   sync.RWMutex
	alerts    map[string]cachedAlert
	synced    bool
	stopWatch func()
}

// NewManager creates manager with evaluator state from config.
// Params: config snapshot, logger, alert store, activity log, notifier, clock, and metrics.
// Returns: manager; call Start to mirror the alert store.
func NewManager(
	cfg config.Config,
	logger *slog.Logger,
	store state.Store,
	activity ActivityLog,
	notifier Notifier,
	clk clock.Clock,
	m *metrics.Metrics,
) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		brand:     cfg.Service.Brand,
		source:    cfg.Service.Name,
		logger:    logging.Component(logger, "manager"),
		metrics:   m,
		clock:     clk,
		store:     store,
		activity:  activity,
		notifier:  notifier,
		telemetry: telemetry.NewState(),
		liveness:  liveness.NewMonitor(cfg.Liveness.OfflineThresholdMS, logger, nil),
		engine:    engine.New(cfg.Thresholds, cfg.Alerts, cfg.Liveness.OfflineThresholdMS),
		inFlight:  engine.NewInFlight(),
		alerts:    make(map[string]cachedAlert),
	}
}

// Start subscribes to alert store changes.
// Params: context bounding watch lifetime.
// Returns: watch setup error.
func (m *Manager) Start(ctx context.Context) error {
	stop, err := m.store.Watch(ctx, m.applyChange)
	if err != nil {
		return fmt.Errorf("watch alert store: %w", err)
	}
	m.cacheMu.Lock()
	m.stopWatch = stop
	m.cacheMu.Unlock()
	return nil
}

// Close stops alert store watch.
// Params: none.
// Returns: none.
func (m *Manager) Close() {
	m.cacheMu.Lock()
	stop := m.stopWatch
	m.stopWatch = nil
	m.cacheMu.Unlock()
	if stop != nil {
		stop()
	}
}

// HandleEvent applies one inbound event and runs an evaluation pass.
// Params: context and normalized inbound event.
// Returns: none; failures are logged.
func (m *Manager) HandleEvent(ctx context.Context, event domain.InboundEvent) {
	now := clock.NowMS(m.clock)
	switch event.Kind {
	case domain.InboundDeviceLog:
		m.record(ctx, event.Text, domain.LogSourceDevice, now)
		return
	case domain.InboundDeviceStatus:
		status := m.telemetry.ApplyStatus(event.Text, now)
		m.logger.Info("device status", "status", status, "channel", event.Channel)
		return
	}

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	switch event.Kind {
	case domain.InboundField:
		if !m.telemetry.ApplyField(event.Field, now) {
			return
		}
	case domain.InboundSnapshot:
		m.telemetry.ApplySnapshot(event.Snapshot, now)
	default:
		return
	}
	if err := m.evaluateLocked(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("evaluation failed", "channel", event.Channel, "error", err.Error())
	}
}

// Tick runs liveness poll and evaluation without new telemetry.
// Params: context.
// Returns: first store error of the pass.
func (m *Manager) Tick(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	return m.evaluateLocked(ctx, clock.NowMS(m.clock))
}

// evaluateLocked runs liveness and rule evaluation; caller holds cycleMu.
func (m *Manager) evaluateLocked(ctx context.Context, nowMS int64) error {
	sensors := m.telemetry.Sensors()
	obs := m.liveness.Check(sensors, nowMS)
	m.metrics.SetDeviceOnline(obs.State == liveness.Online, obs.Changed)
	if obs.Changed {
		switch {
		case obs.State == liveness.Offline && obs.HasSample:
			m.wentOffline = true
			m.record(ctx, "Device went offline", domain.LogSourceEngine, nowMS)
		case obs.State == liveness.Online && m.wentOffline:
			m.wentOffline = false
			m.record(ctx, "Device back online", domain.LogSourceEngine, nowMS)
		}
	}

	alerts, synced := m.snapshot()
	if !synced {
		m.logger.Debug("evaluation skipped until alert store sync")
		return nil
	}

	started := time.Now()
	decisions := m.engine.Evaluate(engine.Input{
		Sensors:  sensors,
		Liveness: obs,
		Alerts:   alerts,
		NowMS:    nowMS,
	})
	var firstErr error
	for _, decision := range decisions {
		var err error
		switch decision.Action {
		case engine.ActionCreate:
			err = m.create(ctx, decision)
		case engine.ActionResolve:
			_, _, err = m.resolve(ctx, decision.AlertID, domain.ResolvedByAuto)
			if errors.Is(err, ErrResolveInProgress) || errors.Is(err, state.ErrNotFound) {
				err = nil
			}
		case engine.ActionSuppress:
			m.metrics.AlertSuppressed(string(decision.Type), decision.Reason)
			m.logger.Debug("alert suppressed", "type", string(decision.Type), "reason", decision.Reason)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.metrics.ObserveEvaluate(time.Since(started).Seconds())
	m.refreshGauges()
	return firstErr
}

// create persists one new alert; the debounce reservation is released on failure.
func (m *Manager) create(ctx context.Context, decision engine.Decision) error {
	alert := domain.Alert{
		ID:          uuid.NewString(),
		Type:        decision.Type,
		Message:     decision.Message,
		Severity:    decision.Severity,
		CreatedAtMS: decision.AtMS,
		Source:      m.source,
	}
	revision, err := m.store.Create(ctx, alert)
	if err != nil {
		m.engine.ReleaseDebounce(decision.Type, decision.AtMS)
		m.metrics.StoreError("create")
		m.logger.Error("alert create failed", "type", string(alert.Type), "error", err.Error())
		return fmt.Errorf("create %s alert: %w", alert.Type, err)
	}
	m.cachePut(alert, revision)
	m.metrics.AlertCreated(string(alert.Type), string(alert.Severity))
	m.logger.Info("alert created", "alert_id", alert.ID, "type", string(alert.Type), "severity", string(alert.Severity), "message", alert.Message)

	m.notify(m.raisedNotification(alert))
	m.record(ctx, fmt.Sprintf("Alert triggered: %s - %s", alert.Type, alert.Message), domain.LogSourceEngine, decision.AtMS)
	return nil
}

// ResolveByOperator resolves one alert on operator request.
// Params: context and alert ID.
// Returns: resolved alert, state.ErrNotFound, ErrResolveInProgress, or store error.
func (m *Manager) ResolveByOperator(ctx context.Context, id string) (domain.Alert, error) {
	alert, _, err := m.resolve(ctx, id, domain.ResolvedByOperator)
	if err != nil {
		return domain.Alert{}, err
	}
	m.refreshGauges()
	return alert, nil
}

// ResolveAll resolves every unresolved alert on operator request.
// Params: context.
// Returns: number of alerts resolved by this call and first store error.
func (m *Manager) ResolveAll(ctx context.Context) (int, error) {
	if _, synced := m.snapshot(); !synced {
		return 0, ErrNotSynced
	}
	// store is authoritative here; the mirror may lag behind other writers
	alerts, err := m.store.List(ctx)
	if err != nil {
		m.metrics.StoreError("list")
		return 0, fmt.Errorf("list alerts: %w", err)
	}
	resolved := 0
	var firstErr error
	for _, alert := range engine.Unresolved(alerts) {
		_, changed, err := m.resolve(ctx, alert.ID, domain.ResolvedByOperator)
		if err != nil {
			if !errors.Is(err, ErrResolveInProgress) && !errors.Is(err, state.ErrNotFound) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			resolved++
		}
	}
	m.refreshGauges()
	return resolved, firstErr
}

// resolve marks alert resolved with revision CAS, guarded by the in-flight set.
// Params: context, alert ID, and actor.
// Returns: stored alert, whether this call resolved it, or error.
func (m *Manager) resolve(ctx context.Context, id string, by domain.ResolvedBy) (domain.Alert, bool, error) {
	if !m.inFlight.TryAcquire(id) {
		return domain.Alert{}, false, ErrResolveInProgress
	}
	defer m.inFlight.Release(id)

	for attempt := 1; ; attempt++ {
		alert, revision, err := m.store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, state.ErrNotFound) {
				m.metrics.StoreError("get")
			}
			return domain.Alert{}, false, err
		}
		nowMS := clock.NowMS(m.clock)
		if !alert.MarkResolved(nowMS, by) {
			return alert, false, nil
		}
		next, err := m.store.Update(ctx, id, revision, alert)
		if errors.Is(err, state.ErrConflict) && attempt < resolveAttempts {
			continue
		}
		if err != nil {
			m.metrics.StoreError("update")
			m.logger.Error("alert resolve failed", "alert_id", id, "error", err.Error())
			return domain.Alert{}, false, fmt.Errorf("resolve alert %s: %w", id, err)
		}

		m.cachePut(alert, next)
		m.metrics.AlertResolved(string(alert.Type), string(by))
		m.logger.Info("alert resolved", "alert_id", id, "type", string(alert.Type), "by", string(by))
		m.notify(m.resolvedNotification(alert, nowMS))
		m.record(ctx, fmt.Sprintf("Alert resolved (%s): %s - %s", by, alert.Type, alert.Message), m.resolveSource(by), nowMS)
		return alert, true, nil
	}
}

func (m *Manager) resolveSource(by domain.ResolvedBy) domain.LogSource {
	if by == domain.ResolvedByOperator {
		return domain.LogSourceWeb
	}
	return domain.LogSourceEngine
}

// Alerts returns mirrored alerts newest first.
// Params: none.
// Returns: alert copies and whether initial sync finished.
func (m *Manager) Alerts() ([]domain.Alert, bool) {
	alerts, synced := m.snapshot()
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAtMS == alerts[j].CreatedAtMS {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAtMS > alerts[j].CreatedAtMS
	})
	return alerts, synced
}

// Status builds dashboard summary at current time.
// Params: none.
// Returns: sensors, liveness, device status, and unresolved counts.
func (m *Manager) Status() Status {
	nowMS := clock.NowMS(m.clock)
	sensors := m.telemetry.Sensors()
	alerts, synced := m.snapshot()
	warning, critical := engine.CountBySeverity(alerts)
	return Status{
		Sensors:    sensors,
		Liveness:   liveness.Evaluate(sensors, nowMS, m.liveness.ThresholdMS()),
		Device:     m.telemetry.Status(),
		Unresolved: UnresolvedCounts{Warning: warning, Critical: critical},
		Synced:     synced,
		NowMS:      nowMS,
	}
}

// applyChange mirrors one store change; older revisions are ignored.
func (m *Manager) applyChange(change state.Change) {
	m.cacheMu.Lock()
	switch change.Kind {
	case state.ChangePut:
		if current, ok := m.alerts[change.ID]; !ok || current.revision < change.Revision {
			m.alerts[change.ID] = cachedAlert{alert: change.Alert, revision: change.Revision}
		}
	case state.ChangeDelete:
		delete(m.alerts, change.ID)
	case state.ChangeSynced:
		if !m.synced {
			m.synced = true
			m.logger.Info("alert store synced", "alerts", len(m.alerts))
		}
	}
	m.cacheMu.Unlock()
	m.refreshGauges()
}

func (m *Manager) cachePut(alert domain.Alert, revision uint64) {
	m.applyChange(state.Change{Kind: state.ChangePut, ID: alert.ID, Alert: alert, Revision: revision})
}

func (m *Manager) snapshot() ([]domain.Alert, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	out := make([]domain.Alert, 0, len(m.alerts))
	for _, cached := range m.alerts {
		out = append(out, cached.alert)
	}
	return out, m.synced
}

func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	alerts, _ := m.snapshot()
	m.metrics.SetUnresolved(engine.CountBySeverity(alerts))
}

func (m *Manager) notify(notification domain.Notification) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(notification); err != nil {
		m.logger.Warn("notification enqueue failed", "alert_id", notification.AlertID, "kind", string(notification.Kind), "error", err.Error())
	}
}

func (m *Manager) record(ctx context.Context, message string, source domain.LogSource, nowMS int64) {
	if m.activity == nil || message == "" {
		return
	}
	entry := domain.LogEntry{Message: message, Source: source, TimestampMS: nowMS}
	if _, err := m.activity.AppendLog(ctx, entry); err != nil {
		m.logger.Warn("activity log append failed", "source", string(source), "error", err.Error())
	}
}

func (m *Manager) raisedNotification(alert domain.Alert) domain.Notification {
	severity := domain.NormalizeSeverity(alert.Severity)
	title := m.brand + ": New Alert"
	if severity == domain.SeverityCritical {
		title = m.brand + ": Critical Alert"
	}
	return domain.Notification{
		Kind:        domain.NotificationRaised,
		Title:       title,
		Body:        string(alert.Type) + " - " + alert.Message,
		Tag:         reminder.ReminderTag(m.brand, severity),
		Renotify:    severity == domain.SeverityCritical,
		AlertID:     alert.ID,
		AlertType:   alert.Type,
		Severity:    severity,
		TimestampMS: alert.CreatedAtMS,
	}
}

func (m *Manager) resolvedNotification(alert domain.Alert, nowMS int64) domain.Notification {
	severity := domain.NormalizeSeverity(alert.Severity)
	return domain.Notification{
		Kind:        domain.NotificationResolved,
		Title:       m.brand + ": Alert Resolved",
		Body:        string(alert.Type) + " - " + alert.Message,
		Tag:         reminder.ReminderTag(m.brand, severity),
		AlertID:     alert.ID,
		AlertType:   alert.Type,
		Severity:    severity,
		TimestampMS: nowMS,
	}
}
