package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"coopwatch/internal/domain"
)

// MemoryStore keeps alert records in process memory.
// Params: revisioned record map and registered watchers.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	records  map[string]memoryRecord
	watchers map[int]WatchHandler
	nextID   int
	revision uint64
}

type memoryRecord struct {
	alert    domain.Alert
	revision uint64
}

// NewMemoryStore creates in-memory alert store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]memoryRecord),
		watchers: make(map[int]WatchHandler),
	}
}

// List returns all alerts ordered by creation time.
// Params: none.
// Returns: copy of stored alerts.
func (s *MemoryStore) List(_ context.Context) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Alert, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.alert)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS == out[j].CreatedAtMS {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAtMS < out[j].CreatedAtMS
	})
	return out, nil
}

// Get returns alert payload and revision.
// Params: alert ID.
// Returns: stored alert, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Alert, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	return record.alert, record.revision, nil
}

// Create stores new alert keyed by its ID.
// Params: alert with non-empty ID.
// Returns: new revision or ErrConflict when ID already exists.
func (s *MemoryStore) Create(_ context.Context, alert domain.Alert) (uint64, error) {
	if strings.TrimSpace(alert.ID) == "" {
		return 0, errors.New("alert id is required")
	}
	s.mu.Lock()
	if _, exists := s.records[alert.ID]; exists {
		s.mu.Unlock()
		return 0, ErrConflict
	}
	rev := s.bumpLocked(alert)
	watchers := s.watchersLocked()
	s.mu.Unlock()

	s.publish(watchers, Change{Kind: ChangePut, ID: alert.ID, Alert: alert, Revision: rev})
	return rev, nil
}

// Update replaces alert payload using expected revision CAS.
// Params: alert ID, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, id string, expectedRevision uint64, alert domain.Alert) (uint64, error) {
	s.mu.Lock()
	record, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	if record.revision != expectedRevision {
		s.mu.Unlock()
		return 0, ErrConflict
	}
	alert.ID = id
	rev := s.bumpLocked(alert)
	watchers := s.watchersLocked()
	s.mu.Unlock()

	s.publish(watchers, Change{Kind: ChangePut, ID: id, Alert: alert, Revision: rev})
	return rev, nil
}

// Watch replays current records, then streams later changes.
// Params: context (cancel stops delivery) and change handler.
// Returns: stop function.
func (s *MemoryStore) Watch(ctx context.Context, handler WatchHandler) (func(), error) {
	if handler == nil {
		return nil, errors.New("watch handler is required")
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	initial := make([]memoryRecord, 0, len(s.records))
	for _, record := range s.records {
		initial = append(initial, record)
	}
	s.watchers[id] = func(change Change) {
		if ctx.Err() != nil {
			return
		}
		handler(change)
	}
	s.mu.Unlock()

	for _, record := range initial {
		handler(Change{Kind: ChangePut, ID: record.alert.ID, Alert: record.alert, Revision: record.revision})
	}
	handler(Change{Kind: ChangeSynced})
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.watchers = make(map[int]WatchHandler)
	s.mu.Unlock()
	return nil
}

// bumpLocked stores alert under next global revision.
// Params: alert payload; caller holds mu.
// Returns: assigned revision.
func (s *MemoryStore) bumpLocked(alert domain.Alert) uint64 {
	s.revision++
	s.records[alert.ID] = memoryRecord{alert: alert, revision: s.revision}
	return s.revision
}

// watchersLocked snapshots registered handlers.
// Params: none; caller holds mu.
// Returns: handler list.
func (s *MemoryStore) watchersLocked() []WatchHandler {
	out := make([]WatchHandler, 0, len(s.watchers))
	for _, handler := range s.watchers {
		out = append(out, handler)
	}
	return out
}

// publish delivers one change to handlers outside record lock.
// Params: handler snapshot and change.
// Returns: none.
func (s *MemoryStore) publish(watchers []WatchHandler, change Change) {
	if len(watchers) == 0 {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, handler := range watchers {
		handler(change)
	}
}
