package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"coopwatch/internal/domain"
	"coopwatch/internal/logging"
	"coopwatch/internal/metrics"

	"github.com/nats-io/nats.go"
)

// SnapshotWatcher follows the sensors record mirrored in the realtime store.
// Params: sensors bucket, record key, and event sink.
// Returns: fallback-channel ingest lifecycle handle.
type SnapshotWatcher struct {
	kv      nats.KeyValue
	key     string
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	watcher nats.KeyWatcher
	done    chan struct{}
}

// NewSnapshotWatcher creates watcher for one sensors record.
// Params: sensors bucket handle, record key, sink, logger, and optional metrics.
// Returns: watcher ready for Start.
func NewSnapshotWatcher(kv nats.KeyValue, key string, sink EventSink, logger *slog.Logger, m *metrics.Metrics) *SnapshotWatcher {
	return &SnapshotWatcher{
		kv:      kv,
		key:     key,
		sink:    sink,
		logger:  logging.Component(logger, "ingest.nats"),
		metrics: m,
	}
}

// Start begins watching; current value is delivered first.
// Params: context; cancel stops delivery.
// Returns: watch setup error.
func (w *SnapshotWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := w.kv.Watch(w.key)
	if err != nil {
		return fmt.Errorf("watch sensors %q: %w", w.key, err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	go w.run(ctx, watcher, w.done)
	return nil
}

// Close stops watch and waits for delivery goroutine.
// Params: none.
// Returns: watcher stop error.
func (w *SnapshotWatcher) Close() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Stop()
	<-done
	return err
}

func (w *SnapshotWatcher) run(ctx context.Context, watcher nats.KeyWatcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil || entry.Operation() != nats.KeyValuePut {
				continue
			}
			w.handle(ctx, entry.Value())
		}
	}
}

// handle decodes one snapshot revision and forwards it to sink.
// Params: context and raw record bytes.
// Returns: none; undecodable records are logged and skipped.
func (w *SnapshotWatcher) handle(ctx context.Context, raw []byte) {
	snapshot, err := domain.DecodeSnapshot(raw)
	if err != nil {
		w.logger.Warn("sensors snapshot decode failed", "key", w.key, "error", err.Error())
		return
	}
	w.metrics.InboundEvent(domain.InboundSnapshot.String(), ChannelNATS)
	w.sink.Publish(ctx, domain.InboundEvent{Kind: domain.InboundSnapshot, Channel: ChannelNATS, Snapshot: snapshot})
}

// PutSnapshot writes a sensors record into the mirror bucket.
// Params: bucket handle, key, and record fields (lastUpdate in epoch ms).
// Returns: KV revision or write error.
func PutSnapshot(kv nats.KeyValue, key string, record map[string]any) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode sensors snapshot: %w", err)
	}
	rev, err := kv.Put(key, body)
	if err != nil {
		return 0, fmt.Errorf("put sensors snapshot: %w", err)
	}
	return rev, nil
}
