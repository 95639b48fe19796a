package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coopwatch/internal/clock"
	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/state"
)

type captureNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (n *captureNotifier) Notify(notification domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, notification)
	return nil
}

func (n *captureNotifier) kinds() []domain.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.NotificationKind, 0, len(n.items))
	for _, item := range n.items {
		out = append(out, item.Kind)
	}
	return out
}

type captureActivity struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

func (a *captureActivity) AppendLog(_ context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.ID = int64(len(a.entries) + 1)
	a.entries = append(a.entries, entry)
	return entry, nil
}

func (a *captureActivity) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, entry := range a.entries {
		out = append(out, entry.Message)
	}
	return out
}

type failingCreateStore struct {
	*state.MemoryStore
}

func (s failingCreateStore) Create(context.Context, domain.Alert) (uint64, error) {
	return 0, errors.New("store unavailable")
}

type failingListStore struct {
	*state.MemoryStore
}

func (s failingListStore) List(context.Context) ([]domain.Alert, error) {
	return nil, errors.New("store unavailable")
}

type testClock struct {
	nowMS atomic.Int64
}

func newTestClock(startMS int64) *testClock {
	c := &testClock{}
	c.nowMS.Store(startMS)
	return c
}

func (c *testClock) clock() clock.Clock {
	return clock.Func(func() time.Time { return time.UnixMilli(c.nowMS.Load()) })
}

func (c *testClock) advance(ms int64) int64 {
	return c.nowMS.Add(ms)
}

func (c *testClock) now() int64 {
	return c.nowMS.Load()
}

type managerHarness struct {
	manager  *Manager
	store    state.Store
	notifier *captureNotifier
	activity *captureActivity
	clock    *testClock
}

func newHarness(t *testing.T, store state.Store) managerHarness {
	t.Helper()
	if store == nil {
		store = state.NewMemoryStore()
	}
	clk := newTestClock(1_700_000_000_000)
	notifier := &captureNotifier{}
	activity := &captureActivity{}
	manager := NewManager(config.Default(), nil, store, activity, notifier, clk.clock(), nil)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(manager.Close)
	return managerHarness{manager: manager, store: store, notifier: notifier, activity: activity, clock: clk}
}

func ptr(value float64) *float64 {
	return &value
}

func snapshotEvent(lastUpdateMS int64, feed float64) domain.InboundEvent {
	last := lastUpdateMS
	return domain.InboundEvent{
		Kind:    domain.InboundSnapshot,
		Channel: "test",
		Snapshot: domain.Snapshot{
			Temperature:  ptr(25),
			Humidity:     ptr(60),
			FeedLevel:    ptr(feed),
			WaterLevel:   ptr(80),
			LastUpdateMS: &last,
		},
	}
}

func fieldEvent(field domain.SensorField, value float64) domain.InboundEvent {
	return domain.InboundEvent{Kind: domain.InboundField, Channel: "test", Field: domain.FieldUpdate{Field: field, Value: value}}
}

func unresolvedOf(t *testing.T, m *Manager) []domain.Alert {
	t.Helper()
	alerts, synced := m.Alerts()
	if !synced {
		t.Fatalf("expected synced alert cache")
	}
	out := make([]domain.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if !alert.Resolved {
			out = append(out, alert)
		}
	}
	return out
}

func TestPushWithoutTrustedSampleRaisesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.manager.HandleEvent(context.Background(), fieldEvent(domain.FieldFeed, 5))
	if err := h.manager.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	alerts, _ := h.manager.Alerts()
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts without trusted sample, got %+v", alerts)
	}
}

func TestLowFeedRaisesOnceAndAutoResolves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 10))
	open := unresolvedOf(t, h.manager)
	if len(open) != 1 || open[0].Type != domain.AlertLowFeed || open[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one LowFeed alert, got %+v", open)
	}
	if open[0].Message != "Feed level is low (10%)" || open[0].CreatedAtMS != h.clock.now() {
		t.Fatalf("unexpected alert %+v", open[0])
	}

	h.clock.advance(120_000)
	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 8))
	if got := unresolvedOf(t, h.manager); len(got) != 1 {
		t.Fatalf("expected duplicate suppression, got %+v", got)
	}

	h.clock.advance(1_000)
	h.manager.HandleEvent(ctx, fieldEvent(domain.FieldFeed, 50))
	if got := unresolvedOf(t, h.manager); len(got) != 0 {
		t.Fatalf("expected auto resolution, got %+v", got)
	}
	stored, _, err := h.store.Get(ctx, open[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Resolved || stored.ResolvedBy != domain.ResolvedByAuto || stored.ResolvedAtMS == nil || *stored.ResolvedAtMS != h.clock.now() {
		t.Fatalf("unexpected resolved alert %+v", stored)
	}

	kinds := h.notifier.kinds()
	if len(kinds) != 2 || kinds[0] != domain.NotificationRaised || kinds[1] != domain.NotificationResolved {
		t.Fatalf("unexpected notifications %v", kinds)
	}
	messages := h.activity.messages()
	if len(messages) != 2 || messages[0] != "Alert triggered: LowFeed - Feed level is low (10%)" {
		t.Fatalf("unexpected activity %v", messages)
	}
}

func TestDeviceOfflineRaisedFromStaleSnapshotAndResolvedWhenFresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now()-200_000, 5))
	open := unresolvedOf(t, h.manager)
	if len(open) != 1 || open[0].Type != domain.AlertDeviceOffline {
		t.Fatalf("expected only DeviceOffline while stale, got %+v", open)
	}
	if open[0].Message != "No device update for 3m 20s" {
		t.Fatalf("unexpected offline message %q", open[0].Message)
	}
	if status := h.manager.Status(); status.Liveness.HasSample != true || status.Unresolved.Critical != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	h.clock.advance(1_000)
	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 50))
	if got := unresolvedOf(t, h.manager); len(got) != 0 {
		t.Fatalf("expected DeviceOffline resolved once fresh, got %+v", got)
	}
}

func TestOlderSnapshotAfterFreshOneRaisesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	fresh := h.clock.now()

	h.manager.HandleEvent(ctx, snapshotEvent(fresh, 50))
	h.manager.HandleEvent(ctx, snapshotEvent(fresh-200_000, 50))

	if got := unresolvedOf(t, h.manager); len(got) != 0 {
		t.Fatalf("expected no alerts after replayed snapshot, got %+v", got)
	}
	sensors := h.manager.Status().Sensors
	if sensors.LastSeenAtMS == nil || *sensors.LastSeenAtMS != fresh {
		t.Fatalf("last seen moved backwards: %+v", sensors.LastSeenAtMS)
	}
	for _, message := range h.activity.messages() {
		if message == "Device went offline" {
			t.Fatalf("unexpected offline transition in activity %v", h.activity.messages())
		}
	}
}

func TestTickRaisesOfflineAfterThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 50))

	h.clock.advance(90_000)
	if err := h.manager.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := unresolvedOf(t, h.manager); len(got) != 0 {
		t.Fatalf("expected online at threshold, got %+v", got)
	}

	h.clock.advance(1)
	if err := h.manager.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := unresolvedOf(t, h.manager)
	if len(got) != 1 || got[0].Type != domain.AlertDeviceOffline {
		t.Fatalf("expected DeviceOffline after threshold, got %+v", got)
	}
}

func TestOperatorResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 10))
	h.manager.HandleEvent(ctx, fieldEvent(domain.FieldTemperature, 40))
	open := unresolvedOf(t, h.manager)
	if len(open) != 2 {
		t.Fatalf("expected LowFeed and HighTemperature, got %+v", open)
	}

	resolved, err := h.manager.ResolveByOperator(ctx, open[0].ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy != domain.ResolvedByOperator {
		t.Fatalf("unexpected resolved alert %+v", resolved)
	}
	again, err := h.manager.ResolveByOperator(ctx, open[0].ID)
	if err != nil || *again.ResolvedAtMS != *resolved.ResolvedAtMS {
		t.Fatalf("expected idempotent resolve, got %+v err=%v", again, err)
	}

	count, err := h.manager.ResolveAll(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one alert resolved by resolve-all, got %d err=%v", count, err)
	}
	if got := unresolvedOf(t, h.manager); len(got) != 0 {
		t.Fatalf("expected no open alerts, got %+v", got)
	}

	if _, err := h.manager.ResolveByOperator(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAllReadsStoreRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.store.Create(ctx, domain.Alert{ID: "external", Type: domain.AlertLowWater, Severity: domain.SeverityWarning, CreatedAtMS: h.clock.now()}); err != nil {
		t.Fatalf("create: %v", err)
	}

	count, err := h.manager.ResolveAll(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected stored alert resolved, got %d err=%v", count, err)
	}
	stored, _, err := h.store.Get(ctx, "external")
	if err != nil || !stored.Resolved || stored.ResolvedBy != domain.ResolvedByOperator {
		t.Fatalf("unexpected stored alert %+v err=%v", stored, err)
	}

	broken := newHarness(t, failingListStore{MemoryStore: state.NewMemoryStore()})
	if _, err := broken.manager.ResolveAll(ctx); err == nil {
		t.Fatalf("expected list failure to surface")
	}
}

func TestResolveSkipsAlertAlreadyInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 10))
	open := unresolvedOf(t, h.manager)

	h.manager.inFlight.TryAcquire(open[0].ID)
	if _, err := h.manager.ResolveByOperator(ctx, open[0].ID); !errors.Is(err, ErrResolveInProgress) {
		t.Fatalf("expected ErrResolveInProgress, got %v", err)
	}
	h.manager.HandleEvent(ctx, fieldEvent(domain.FieldFeed, 90))
	if got := unresolvedOf(t, h.manager); len(got) != 1 {
		t.Fatalf("expected in-flight alert untouched, got %+v", got)
	}

	h.manager.inFlight.Release(open[0].ID)
	h.manager.HandleEvent(ctx, fieldEvent(domain.FieldFeed, 90))
	if got := unresolvedOf(t, h.manager); len(got) != 0 {
		t.Fatalf("expected resolution after release, got %+v", got)
	}
}

func TestCreateFailureReleasesDebounce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, failingCreateStore{MemoryStore: state.NewMemoryStore()})

	h.manager.HandleEvent(ctx, snapshotEvent(h.clock.now(), 10))
	if _, ok := h.manager.engine.LastCreated(domain.AlertLowFeed); ok {
		t.Fatalf("expected debounce reservation released after failed create")
	}
	if len(h.notifier.kinds()) != 0 {
		t.Fatalf("expected no notification for failed create")
	}
}

func TestDeviceLogAndStatusEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.manager.HandleEvent(ctx, domain.InboundEvent{Kind: domain.InboundDeviceLog, Channel: "mqtt", Text: "Feed dispensed"})
	h.manager.HandleEvent(ctx, domain.InboundEvent{Kind: domain.InboundDeviceStatus, Channel: "mqtt", Text: "Online"})

	h.activity.mu.Lock()
	entries := append([]domain.LogEntry(nil), h.activity.entries...)
	h.activity.mu.Unlock()
	if len(entries) != 1 || entries[0].Source != domain.LogSourceDevice || entries[0].Message != "Feed dispensed" {
		t.Fatalf("unexpected device log %+v", entries)
	}
	status := h.manager.Status()
	if status.Device.DeviceStatus != "online" || status.Sensors.LastSeenAtMS != nil {
		t.Fatalf("status topic must not advance last seen, got %+v", status)
	}
}
