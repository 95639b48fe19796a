package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"

	"github.com/nats-io/nats.go"
)

// Connect opens NATS connection with JetStream context.
// Params: NATS settings from config.
// Returns: connection, JetStream context, or connect error.
func Connect(settings config.NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	return nc, js, nil
}

// OpenKeyValue opens KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create toggle.
// Returns: bucket handle or open/create error.
func OpenKeyValue(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// NATSStore persists alerts in JetStream KV bucket.
// Params: alerts bucket handle.
// Returns: KV-backed alert store implementation.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStoreFromBucket wraps already opened alerts bucket.
// Params: bucket handle; connection lifecycle stays with caller.
// Returns: store instance.
func NewNATSStoreFromBucket(kv nats.KeyValue) *NATSStore {
	return &NATSStore{kv: kv}
}

// List reads every alert in the bucket.
// Params: none.
// Returns: alerts ordered by creation time, skipping undecodable records.
func (s *NATSStore) List(_ context.Context) ([]domain.Alert, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.Alert, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get alert %q: %w", key, err)
		}
		alert, err := decodeAlert(key, entry.Value())
		if err != nil {
			continue
		}
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}

// Get reads one alert and its KV revision.
// Params: alert ID key.
// Returns: alert payload, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, id string) (domain.Alert, uint64, error) {
	entry, err := s.kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("get alert: %w", err)
	}
	alert, err := decodeAlert(id, entry.Value())
	if err != nil {
		return domain.Alert{}, 0, err
	}
	return alert, entry.Revision(), nil
}

// Create writes new alert only when key is absent.
// Params: alert with non-empty ID.
// Returns: KV revision or ErrConflict.
func (s *NATSStore) Create(_ context.Context, alert domain.Alert) (uint64, error) {
	if strings.TrimSpace(alert.ID) == "" {
		return 0, errors.New("alert id is required")
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.kv.Create(alert.ID, body)
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("create alert: %w", err)
	}
	return rev, nil
}

// Update replaces alert payload using expected revision CAS.
// Params: alert ID key, expected revision, and replacement payload.
// Returns: KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, id string, expectedRevision uint64, alert domain.Alert) (uint64, error) {
	alert.ID = id
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.kv.Update(id, body, expectedRevision)
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update alert: %w", err)
	}
	return rev, nil
}

// Watch streams bucket changes after replaying current values.
// Params: context (cancel stops delivery) and change handler.
// Returns: stop function or watch setup error.
func (s *NATSStore) Watch(ctx context.Context, handler WatchHandler) (func(), error) {
	if handler == nil {
		return nil, errors.New("watch handler is required")
	}
	watcher, err := s.kv.WatchAll()
	if err != nil {
		return nil, fmt.Errorf("watch alerts: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				handler(changeFromEntry(entry))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Stop()
			<-done
		})
	}, nil
}

// Close stops nothing; the connection belongs to the caller of NewNATSStoreFromBucket.
func (s *NATSStore) Close() error {
	return nil
}

// changeFromEntry maps KV entry into watch change.
// Params: entry from watcher; nil marks end of initial values.
// Returns: change notification.
func changeFromEntry(entry nats.KeyValueEntry) Change {
	if entry == nil {
		return Change{Kind: ChangeSynced}
	}
	if entry.Operation() != nats.KeyValuePut {
		return Change{Kind: ChangeDelete, ID: entry.Key(), Revision: entry.Revision()}
	}
	alert, err := decodeAlert(entry.Key(), entry.Value())
	if err != nil {
		return Change{Kind: ChangeDelete, ID: entry.Key(), Revision: entry.Revision()}
	}
	return Change{Kind: ChangePut, ID: entry.Key(), Alert: alert, Revision: entry.Revision()}
}

// decodeAlert decodes stored JSON and normalizes identity and severity.
// Params: key and raw JSON.
// Returns: alert or decode error.
func decodeAlert(key string, raw []byte) (domain.Alert, error) {
	var alert domain.Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert %q: %w", key, err)
	}
	alert.ID = key
	alert.Severity = domain.NormalizeSeverity(alert.Severity)
	return alert, nil
}

// isRevisionMismatch detects KV CAS failures.
// Params: KV write error.
// Returns: true when expected revision did not match.
func isRevisionMismatch(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
