package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
)

type captureNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
	err   error
}

func (n *captureNotifier) Notify(notification domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.items = append(n.items, notification)
	return nil
}

type failingSlot struct {
	*MemorySlot
	saveErr error
}

func (s *failingSlot) Save(ctx context.Context, state map[string]int64) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemorySlot.Save(ctx, state)
}

func testReminderConfig() config.ReminderConfig {
	return config.ReminderConfig{
		Enabled:            true,
		TickMS:             60_000,
		CriticalIntervalMS: 600_000,
		WarningIntervalMS:  1_800_000,
		MaxPerTick:         1,
		OnlyWhenInactive:   true,
		ViewerActiveMS:     30_000,
	}
}

func TestTickRemindsOnceThenWaitsForInterval(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{}
	slot := NewMemorySlot()
	scheduler := NewScheduler(testReminderConfig(), "ChicKulungan", slot, notifier, nil, nil, nil)
	alerts := []domain.Alert{{ID: "a1", Type: domain.AlertLowFeed, Message: "Feed level is low (10%)", Severity: domain.SeverityCritical, CreatedAtMS: 1}}
	now := int64(10_000_000)

	result, err := scheduler.Tick(context.Background(), alerts, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(result.Reminded) != 1 || !result.Persisted {
		t.Fatalf("expected first reminder and persist, got %+v", result)
	}
	got := notifier.items[0]
	if got.Title != "ChicKulungan: Critical Alert Reminder" || got.Body != "LowFeed - Feed level is low (10%)" {
		t.Fatalf("unexpected reminder %+v", got)
	}
	if got.Tag != "chickulungan-alert-critical" || !got.Renotify || got.Kind != domain.NotificationReminder {
		t.Fatalf("unexpected reminder tag/renotify %+v", got)
	}

	result, err = scheduler.Tick(context.Background(), alerts, now+599_999)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(result.Reminded) != 0 || result.Persisted {
		t.Fatalf("expected no reminder before interval, got %+v", result)
	}

	result, _ = scheduler.Tick(context.Background(), alerts, now+600_000)
	if len(result.Reminded) != 1 || len(notifier.items) != 2 {
		t.Fatalf("expected reminder at interval, got %+v", result)
	}

	persisted, _ := slot.Load(context.Background())
	if persisted["a1"] != now+600_000 {
		t.Fatalf("expected persisted timestamp, got %+v", persisted)
	}
}

func TestTickOrdersCriticalFirstAndCapsPerTick(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{}
	cfg := testReminderConfig()
	cfg.MaxPerTick = 2
	scheduler := NewScheduler(cfg, "Coop", nil, notifier, nil, nil, nil)
	alerts := []domain.Alert{
		{ID: "warn-new", Type: domain.AlertHighHumidity, Severity: domain.SeverityWarning, CreatedAtMS: 50},
		{ID: "crit-old", Type: domain.AlertLowFeed, Severity: domain.SeverityCritical, CreatedAtMS: 10},
		{ID: "crit-new", Type: domain.AlertHighTemperature, Severity: domain.SeverityCritical, CreatedAtMS: 20},
	}

	result, err := scheduler.Tick(context.Background(), alerts, 5_000_000)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(result.Reminded) != 2 || result.Reminded[0] != "crit-new" || result.Reminded[1] != "crit-old" {
		t.Fatalf("unexpected reminder order %+v", result.Reminded)
	}
	if notifier.items[0].Tag != "coop-alert-critical" {
		t.Fatalf("unexpected tag %q", notifier.items[0].Tag)
	}
}

func TestTickWarningReminderFormat(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{}
	scheduler := NewScheduler(testReminderConfig(), "ChicKulungan", nil, notifier, nil, nil, nil)
	long := strings.Repeat("x", 300)
	alerts := []domain.Alert{{ID: "w", Type: domain.AlertLowHumidity, Message: long, Severity: "unknown"}}

	if _, err := scheduler.Tick(context.Background(), alerts, 5_000_000); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := notifier.items[0]
	if got.Title != "ChicKulungan: Alert Reminder" || got.Renotify || got.Tag != "chickulungan-alert-warning" {
		t.Fatalf("unexpected warning reminder %+v", got)
	}
	if len([]rune(got.Body)) != 160 || !strings.HasPrefix(got.Body, "LowHumidity - x") {
		t.Fatalf("expected truncated body, got %d runes", len([]rune(got.Body)))
	}
}

func TestTickSkipsWhileViewerActive(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{}
	presence := NewPresence(30_000)
	scheduler := NewScheduler(testReminderConfig(), "ChicKulungan", nil, notifier, presence, nil, nil)
	alerts := []domain.Alert{{ID: "a1", Severity: domain.SeverityCritical}}
	now := int64(5_000_000)

	presence.Touch(now - 10_000)
	result, _ := scheduler.Tick(context.Background(), alerts, now)
	if !result.Skipped || len(notifier.items) != 0 {
		t.Fatalf("expected skip while viewer active, got %+v", result)
	}

	result, _ = scheduler.Tick(context.Background(), alerts, now+25_000)
	if result.Skipped || len(notifier.items) != 1 {
		t.Fatalf("expected reminder after viewer went idle, got %+v", result)
	}
}

func TestTickRemindsRegardlessOfViewerWhenPolicyDisabled(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{}
	cfg := testReminderConfig()
	cfg.OnlyWhenInactive = false
	presence := NewPresence(30_000)
	scheduler := NewScheduler(cfg, "ChicKulungan", nil, notifier, presence, nil, nil)
	presence.Touch(1_000)

	result, _ := scheduler.Tick(context.Background(), []domain.Alert{{ID: "a1"}}, 2_000)
	// first reminder for an alert is due immediately
	if result.Skipped || len(result.Reminded) != 1 {
		t.Fatalf("expected reminder with active viewer, got %+v", result)
	}
}

func TestTickGarbageCollectsResolvedAndMissingAlerts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	slot := NewMemorySlot()
	if err := slot.Save(ctx, map[string]int64{"gone": 100, "resolved": 200, "open": 4_999_000}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	notifier := &captureNotifier{}
	scheduler := NewScheduler(testReminderConfig(), "ChicKulungan", slot, notifier, nil, nil, nil)
	if err := scheduler.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	alerts := []domain.Alert{
		{ID: "open", Severity: domain.SeverityCritical, CreatedAtMS: 1},
		{ID: "resolved", Severity: domain.SeverityCritical, CreatedAtMS: 2, Resolved: true},
	}
	result, err := scheduler.Tick(ctx, alerts, 5_000_000)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(result.Reminded) != 0 || result.Collected != 2 || !result.Persisted {
		t.Fatalf("expected gc of two entries without reminders, got %+v", result)
	}

	persisted, _ := slot.Load(ctx)
	if len(persisted) != 1 || persisted["open"] != 4_999_000 {
		t.Fatalf("unexpected persisted state %+v", persisted)
	}
}

func TestTickKeepsStateWhenNotifyOrSaveFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	notifier := &captureNotifier{err: errors.New("queue full")}
	slot := &failingSlot{MemorySlot: NewMemorySlot()}
	scheduler := NewScheduler(testReminderConfig(), "ChicKulungan", slot, notifier, nil, nil, nil)
	alerts := []domain.Alert{{ID: "a1", Severity: domain.SeverityCritical}}

	result, err := scheduler.Tick(ctx, alerts, 5_000_000)
	if err != nil || len(result.Reminded) != 0 {
		t.Fatalf("expected failed enqueue to skip recording, got %+v err=%v", result, err)
	}
	if len(scheduler.State()) != 0 {
		t.Fatalf("expected no state after failed enqueue")
	}

	notifier.err = nil
	slot.saveErr = errors.New("disk full")
	result, err = scheduler.Tick(ctx, alerts, 5_000_001)
	if err == nil || result.Persisted {
		t.Fatalf("expected save error, got %+v err=%v", result, err)
	}
	if scheduler.State()["a1"] != 5_000_001 {
		t.Fatalf("expected in-memory state to keep reminder time")
	}

	slot.saveErr = nil
	result, err = scheduler.Tick(ctx, alerts, 5_000_002)
	if err != nil || len(result.Reminded) != 0 {
		t.Fatalf("expected interval to hold after save failure, got %+v err=%v", result, err)
	}
	if !result.Persisted {
		t.Fatalf("expected unsaved state to be written on the next tick")
	}
	saved, err := slot.MemorySlot.Load(ctx)
	if err != nil || saved["a1"] != 5_000_001 {
		t.Fatalf("expected persisted reminder time, got %+v err=%v", saved, err)
	}

	result, err = scheduler.Tick(ctx, alerts, 5_000_003)
	if err != nil || result.Persisted {
		t.Fatalf("expected no write once state is saved, got %+v err=%v", result, err)
	}
}
