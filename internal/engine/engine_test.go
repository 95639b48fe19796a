package engine

import (
	"testing"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/liveness"
)

const testOfflineMS = 90_000

func testEngine() *Engine {
	return New(config.ThresholdsConfig{
		LowFeed:         20,
		HighTemperature: 35,
		LowTemperature:  18,
		HighHumidity:    80,
		LowHumidity:     40,
	}, config.AlertsConfig{DebounceMS: 60_000, DuplicateWindowMS: 3_600_000}, testOfflineMS)
}

func normalSensors(lastSeen int64) domain.SensorState {
	return domain.SensorState{Temperature: 28, Humidity: 60, FeedLevel: 50, WaterLevel: 70, LastSeenAtMS: &lastSeen}
}

func observe(sensors domain.SensorState, nowMS int64) liveness.Observation {
	return liveness.Evaluate(sensors, nowMS, testOfflineMS)
}

func decisionsOf(decisions []Decision, action Action) []Decision {
	var out []Decision
	for _, decision := range decisions {
		if decision.Action == action {
			out = append(out, decision)
		}
	}
	return out
}

func TestCandidatesRuleTable(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := int64(1_000_000)
	sensors := normalSensors(now)
	sensors.FeedLevel = 10
	sensors.Temperature = 36.5
	sensors.Humidity = 85

	got := e.Candidates(sensors, observe(sensors, now))
	want := []Candidate{
		{Type: domain.AlertLowFeed, Severity: domain.SeverityCritical, Message: "Feed level is low (10%)"},
		{Type: domain.AlertHighTemperature, Severity: domain.SeverityCritical, Message: "Temperature too high (36.5°C)"},
		{Type: domain.AlertHighHumidity, Severity: domain.SeverityWarning, Message: "Humidity too high (85%)"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestCandidatesLowSideAndWaterToggle(t *testing.T) {
	t.Parallel()

	now := int64(1_000_000)
	sensors := normalSensors(now)
	sensors.Temperature = 12
	sensors.Humidity = 30
	sensors.WaterLevel = 5

	e := testEngine()
	got := e.Candidates(sensors, observe(sensors, now))
	if len(got) != 2 || got[0].Type != domain.AlertLowTemperature || got[1].Type != domain.AlertLowHumidity {
		t.Fatalf("expected low temperature and humidity only while water rule disabled, got %+v", got)
	}
	if got[0].Severity != domain.SeverityWarning || got[0].Message != "Temperature too low (12°C)" {
		t.Fatalf("unexpected low temperature candidate %+v", got[0])
	}

	withWater := New(config.ThresholdsConfig{LowFeed: 20, HighTemperature: 35, LowTemperature: 18, HighHumidity: 80, LowHumidity: 40, LowWater: 15},
		config.AlertsConfig{DebounceMS: 60_000, DuplicateWindowMS: 3_600_000}, testOfflineMS)
	got = withWater.Candidates(sensors, observe(sensors, now))
	if len(got) != 3 || got[2].Type != domain.AlertLowWater || got[2].Message != "Water level is low (5%)" {
		t.Fatalf("expected low water candidate, got %+v", got)
	}
}

func TestCandidatesOfflineGuard(t *testing.T) {
	t.Parallel()

	e := testEngine()
	lastSeen := int64(1_000_000)
	sensors := normalSensors(lastSeen)
	sensors.FeedLevel = 5
	now := lastSeen + 200_000

	got := e.Candidates(sensors, observe(sensors, now))
	if len(got) != 1 || got[0].Type != domain.AlertDeviceOffline {
		t.Fatalf("expected only device offline while stale, got %+v", got)
	}
	if got[0].Message != "No device update for 3m 20s" || got[0].Severity != domain.SeverityCritical {
		t.Fatalf("unexpected offline candidate %+v", got[0])
	}
}

func TestCandidatesWithoutSampleRaiseNothing(t *testing.T) {
	t.Parallel()

	e := testEngine()
	sensors := domain.SensorState{}
	got := e.Candidates(sensors, observe(sensors, 5_000_000))
	if len(got) != 0 {
		t.Fatalf("expected no candidates without trusted sample, got %+v", got)
	}
}

func TestEvaluateDebounceAndDuplicateSuppression(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := int64(10_000_000)
	sensors := normalSensors(now)
	sensors.FeedLevel = 10

	first := e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, now), NowMS: now})
	created := decisionsOf(first, ActionCreate)
	if len(created) != 1 || created[0].Type != domain.AlertLowFeed || created[0].AtMS != now {
		t.Fatalf("expected one LowFeed create, got %+v", first)
	}

	second := e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, now+1_000), NowMS: now + 1_000})
	suppressed := decisionsOf(second, ActionSuppress)
	if len(suppressed) != 1 || suppressed[0].Reason != ReasonDebounce {
		t.Fatalf("expected debounce suppression, got %+v", second)
	}

	existing := []domain.Alert{{ID: "a1", Type: domain.AlertLowFeed, Severity: domain.SeverityCritical, CreatedAtMS: now}}
	later := now + 120_000
	sensors.LastSeenAtMS = &later
	third := e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, later), Alerts: existing, NowMS: later})
	suppressed = decisionsOf(third, ActionSuppress)
	if len(suppressed) != 1 || suppressed[0].Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate suppression, got %+v", third)
	}

	afterWindow := now + 3_600_000
	sensors.LastSeenAtMS = &afterWindow
	fourth := e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, afterWindow), Alerts: existing, NowMS: afterWindow})
	if len(decisionsOf(fourth, ActionCreate)) != 1 {
		t.Fatalf("expected create once duplicate window elapsed, got %+v", fourth)
	}
}

func TestEvaluateDebounceIgnoresResolution(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := int64(10_000_000)
	sensors := normalSensors(now)
	sensors.Temperature = 40
	e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, now), NowMS: now})

	resolvedAt := now + 10_000
	resolved := []domain.Alert{{ID: "a1", Type: domain.AlertHighTemperature, CreatedAtMS: now, Resolved: true, ResolvedAtMS: &resolvedAt}}
	next := now + 30_000
	sensors.LastSeenAtMS = &next
	got := e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, next), Alerts: resolved, NowMS: next})
	if suppressed := decisionsOf(got, ActionSuppress); len(suppressed) != 1 || suppressed[0].Reason != ReasonDebounce {
		t.Fatalf("expected debounce to hold after resolution, got %+v", got)
	}

	recreate := now + 61_000
	sensors.LastSeenAtMS = &recreate
	got = e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, recreate), Alerts: resolved, NowMS: recreate})
	if len(decisionsOf(got, ActionCreate)) != 1 {
		t.Fatalf("expected recreate after debounce window, got %+v", got)
	}
}

func TestReleaseDebounceKeepsNewerReservation(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := int64(10_000_000)
	sensors := normalSensors(now)
	sensors.FeedLevel = 1
	e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, now), NowMS: now})

	e.ReleaseDebounce(domain.AlertLowFeed, now-1)
	if _, ok := e.LastCreated(domain.AlertLowFeed); !ok {
		t.Fatalf("expected stale release to keep reservation")
	}
	e.ReleaseDebounce(domain.AlertLowFeed, now)
	if _, ok := e.LastCreated(domain.AlertLowFeed); ok {
		t.Fatalf("expected reservation to be released")
	}
	got := e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, now+1), NowMS: now + 1})
	if len(decisionsOf(got, ActionCreate)) != 1 {
		t.Fatalf("expected create after release, got %+v", got)
	}
}

func TestEvaluateAutoResolution(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := int64(10_000_000)
	sensors := normalSensors(now)
	alerts := []domain.Alert{
		{ID: "feed", Type: domain.AlertLowFeed, CreatedAtMS: now - 1_000},
		{ID: "hot", Type: domain.AlertHighTemperature, CreatedAtMS: now - 1_000},
		{ID: "dry", Type: domain.AlertLowHumidity, CreatedAtMS: now - 1_000},
		{ID: "water", Type: domain.AlertLowWater, CreatedAtMS: now - 1_000},
		{ID: "offline", Type: domain.AlertDeviceOffline, CreatedAtMS: now - 1_000},
		{ID: "done", Type: domain.AlertLowFeed, CreatedAtMS: now - 1_000, Resolved: true},
	}

	got := decisionsOf(e.Evaluate(Input{Sensors: sensors, Liveness: observe(sensors, now), Alerts: alerts, NowMS: now}), ActionResolve)
	ids := make(map[string]bool)
	for _, decision := range got {
		ids[decision.AlertID] = true
	}
	for _, id := range []string{"feed", "hot", "dry", "water", "offline"} {
		if !ids[id] {
			t.Fatalf("expected %s to resolve, got %+v", id, got)
		}
	}
	if ids["done"] {
		t.Fatalf("resolved alert must not be resolved again")
	}
}

func TestShouldResolveBoundaries(t *testing.T) {
	t.Parallel()

	e := testEngine()
	online := liveness.Observation{State: liveness.Online, HasSample: true}
	offline := liveness.Observation{State: liveness.Offline, HasSample: true, AgeMS: 100_000}

	cases := []struct {
		name    string
		typ     domain.AlertType
		sensors domain.SensorState
		obs     liveness.Observation
		want    bool
	}{
		{"temperature at high bound", domain.AlertHighTemperature, domain.SensorState{Temperature: 35}, online, true},
		{"temperature above", domain.AlertLowTemperature, domain.SensorState{Temperature: 40}, online, false},
		{"humidity at low bound", domain.AlertHighHumidity, domain.SensorState{Humidity: 40}, online, true},
		{"feed at threshold", domain.AlertLowFeed, domain.SensorState{FeedLevel: 20}, online, true},
		{"feed below", domain.AlertLowFeed, domain.SensorState{FeedLevel: 19.9}, online, false},
		{"water zero", domain.AlertLowWater, domain.SensorState{WaterLevel: 0}, online, false},
		{"water positive", domain.AlertLowWater, domain.SensorState{WaterLevel: 1}, online, true},
		{"offline while offline", domain.AlertDeviceOffline, domain.SensorState{}, offline, false},
		{"offline while online", domain.AlertDeviceOffline, domain.SensorState{}, online, true},
		{"feed resolves while offline", domain.AlertLowFeed, domain.SensorState{FeedLevel: 80}, offline, true},
		{"unknown type", domain.AlertType("Smoke"), domain.SensorState{}, online, false},
	}
	for _, tc := range cases {
		if got := e.ShouldResolve(tc.typ, tc.sensors, tc.obs); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestUnresolvedOrderingAndCounts(t *testing.T) {
	t.Parallel()

	alerts := []domain.Alert{
		{ID: "w-old", Severity: domain.SeverityWarning, CreatedAtMS: 1},
		{ID: "c-old", Severity: domain.SeverityCritical, CreatedAtMS: 2},
		{ID: "w-new", Severity: domain.SeverityWarning, CreatedAtMS: 5},
		{ID: "c-new", Severity: "CRITICAL", CreatedAtMS: 4},
		{ID: "closed", Severity: domain.SeverityCritical, CreatedAtMS: 9, Resolved: true},
	}
	got := Unresolved(alerts)
	order := []string{"c-new", "c-old", "w-new", "w-old"}
	if len(got) != len(order) {
		t.Fatalf("unexpected unresolved list %+v", got)
	}
	for i, id := range order {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
	warning, critical := CountBySeverity(alerts)
	if warning != 2 || critical != 2 {
		t.Fatalf("expected 2/2, got warning=%d critical=%d", warning, critical)
	}
}

func TestInFlightSet(t *testing.T) {
	t.Parallel()

	set := NewInFlight()
	if !set.TryAcquire("a") || set.TryAcquire("a") {
		t.Fatalf("expected exclusive acquire")
	}
	if !set.Contains("a") {
		t.Fatalf("expected id to be tracked")
	}
	set.Release("a")
	if set.Contains("a") || !set.TryAcquire("a") {
		t.Fatalf("expected id to be reusable after release")
	}
}
