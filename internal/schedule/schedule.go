package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coopwatch/internal/clock"
	"coopwatch/internal/domain"
	"coopwatch/internal/localdb"
	"coopwatch/internal/logging"

	"github.com/google/uuid"
)

const timeLayout = "03:04 PM"

var (
	// ErrInvalid reports rejected schedule input.
	ErrInvalid = errors.New("invalid schedule")
	// ErrNotFound reports unknown schedule ID.
	ErrNotFound = errors.New("schedule not found")
	// ErrNoPublisher reports device commands without a push channel.
	ErrNoPublisher = errors.New("device channel not configured")
)

var weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Store is persistence used by schedule service.
type Store interface {
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	PutSchedule(ctx context.Context, schedule domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
}

// Publisher sends device commands.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Topics names device command topics.
// Params: retained schedules topic and feed-now topic.
// Returns: publish targets.
type Topics struct {
	Schedules   string
	FeedControl string
}

// Input is operator-provided schedule fields.
type Input struct {
	Days []string `json:"days"`
	Time string   `json:"time"`
}

// devicePayload is one enabled schedule as published to the device.
type devicePayload struct {
	ID   string   `json:"id"`
	Days []string `json:"days"`
	Time string   `json:"time"`
}

// Service manages feeding schedules and device feed commands.
// Params: store, optional publisher, topics, clock, and logger.
// Returns: schedule operations that keep the device copy in sync.
type Service struct {
	store     Store
	publisher Publisher
	topics    Topics
	clock     clock.Clock
	logger    *slog.Logger

	mu sync.Mutex
}

// NewService creates schedule service.
// Params: store, publisher (nil disables device sync), topics, clock, and logger.
// Returns: service instance.
func NewService(store Store, publisher Publisher, topics Topics, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		topics:    topics,
		clock:     clk,
		logger:    logging.Component(logger, "schedule"),
	}
}

// List returns all schedules.
func (s *Service) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Create validates and stores new enabled schedule.
// Params: context and operator input.
// Returns: stored schedule, ErrInvalid, or store error.
func (s *Service) Create(ctx context.Context, in Input) (domain.Schedule, error) {
	days, at, err := Normalize(in)
	if err != nil {
		return domain.Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schedule := domain.Schedule{
		ID:          uuid.NewString(),
		Days:        days,
		Time:        at,
		Enabled:     true,
		CreatedAtMS: clock.NowMS(s.clock),
	}
	if err := s.store.PutSchedule(ctx, schedule); err != nil {
		return domain.Schedule{}, err
	}
	s.record(ctx, fmt.Sprintf("Added schedule: %s at %s", strings.Join(days, ", "), at))
	s.syncLocked(ctx)
	return schedule, nil
}

// Update replaces days and time of existing schedule and enables it.
// Params: context, schedule ID, and operator input.
// Returns: updated schedule, ErrInvalid, ErrNotFound, or store error.
func (s *Service) Update(ctx context.Context, id string, in Input) (domain.Schedule, error) {
	days, at, err := Normalize(in)
	if err != nil {
		return domain.Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, err := s.get(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	schedule.Days = days
	schedule.Time = at
	schedule.Enabled = true
	if err := s.store.PutSchedule(ctx, schedule); err != nil {
		return domain.Schedule{}, err
	}
	s.record(ctx, fmt.Sprintf("Updated schedule: %s at %s", strings.Join(days, ", "), at))
	s.syncLocked(ctx)
	return schedule, nil
}

// Toggle flips enabled flag.
// Params: context and schedule ID.
// Returns: updated schedule, ErrNotFound, or store error.
func (s *Service) Toggle(ctx context.Context, id string) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, err := s.get(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	schedule.Enabled = !schedule.Enabled
	if err := s.store.PutSchedule(ctx, schedule); err != nil {
		return domain.Schedule{}, err
	}
	state := "disabled"
	if schedule.Enabled {
		state = "enabled"
	}
	s.record(ctx, fmt.Sprintf("Schedule %s: ID %s", state, id))
	s.syncLocked(ctx)
	return schedule, nil
}

// Delete removes schedule.
// Params: context and schedule ID.
// Returns: ErrNotFound or store error.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		if errors.Is(err, localdb.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.record(ctx, fmt.Sprintf("Deleted schedule: ID %s", id))
	s.syncLocked(ctx)
	return nil
}

// Sync republishes enabled schedules to the device.
// Params: context.
// Returns: list or publish error.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ctx)
}

// FeedNow asks the device to dispense feed immediately.
// Params: context.
// Returns: ErrNoPublisher or publish error.
func (s *Service) FeedNow(ctx context.Context) error {
	if s.publisher == nil {
		return ErrNoPublisher
	}
	if err := s.publisher.Publish(s.topics.FeedControl, false, []byte("1")); err != nil {
		return fmt.Errorf("publish feed command: %w", err)
	}
	s.record(ctx, "Feed now requested")
	return nil
}

func (s *Service) get(ctx context.Context, id string) (domain.Schedule, error) {
	schedule, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, localdb.ErrNotFound) {
		return domain.Schedule{}, ErrNotFound
	}
	return schedule, err
}

// syncLocked publishes after a change; failure is logged since the stored change already happened.
func (s *Service) syncLocked(ctx context.Context) {
	if err := s.publishLocked(ctx); err != nil {
		s.logger.Warn("schedule sync failed", "error", err.Error())
	}
}

func (s *Service) publishLocked(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}
	all, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	payload := make([]devicePayload, 0, len(all))
	for _, schedule := range all {
		if !schedule.Enabled {
			continue
		}
		payload = append(payload, devicePayload{ID: schedule.ID, Days: schedule.Days, Time: schedule.Time})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	if err := s.publisher.Publish(s.topics.Schedules, true, body); err != nil {
		return fmt.Errorf("publish schedules: %w", err)
	}
	s.logger.Debug("schedules published", "enabled", len(payload))
	return nil
}

func (s *Service) record(ctx context.Context, message string) {
	entry := domain.LogEntry{Message: message, Source: domain.LogSourceWeb, TimestampMS: clock.NowMS(s.clock)}
	if _, err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("activity log append failed", "error", err.Error())
	}
}

// Normalize validates days and time.
// Params: operator input.
// Returns: weekday-ordered unique day names, "hh:mm AM|PM" time, or ErrInvalid.
func Normalize(in Input) ([]string, string, error) {
	if len(in.Days) == 0 {
		return nil, "", fmt.Errorf("%w: at least one day is required", ErrInvalid)
	}
	selected := make(map[int]struct{}, len(in.Days))
	for _, raw := range in.Days {
		idx := weekdayIndex(raw)
		if idx < 0 {
			return nil, "", fmt.Errorf("%w: unknown day %q", ErrInvalid, raw)
		}
		selected[idx] = struct{}{}
	}
	days := make([]string, 0, len(selected))
	for idx, name := range weekdays {
		if _, ok := selected[idx]; ok {
			days = append(days, name)
		}
	}

	at, err := time.Parse("3:04 PM", strings.ToUpper(strings.Join(strings.Fields(in.Time), " ")))
	if err != nil {
		return nil, "", fmt.Errorf("%w: time %q must look like 07:30 AM", ErrInvalid, in.Time)
	}
	return days, at.Format(timeLayout), nil
}

func weekdayIndex(raw string) int {
	value := strings.TrimSpace(raw)
	for idx, name := range weekdays {
		if strings.EqualFold(value, name) {
			return idx
		}
	}
	return -1
}
