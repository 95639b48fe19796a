package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/logging"
	"coopwatch/internal/metrics"
	"coopwatch/internal/permanent"
)

// ErrClosed reports enqueue after dispatcher shutdown.
var ErrClosed = errors.New("notify dispatcher is closed")

// Sender delivers one notification to one channel.
// Params: context and notification payload.
// Returns: transport error; permanent.Error stops retries.
type Sender interface {
	Channel() string
	Send(ctx context.Context, notification domain.Notification) error
}

// Dispatcher fans notifications out to senders on a background worker.
// Params: senders with retry policies, bounded queue, and per-send timeout.
// Returns: best-effort notifier; enqueue never blocks the caller.
type Dispatcher struct {
	senders []Sender
	retries map[string]config.NotifyRetry
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	queue   chan domain.Notification
	closed  bool
	started bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewDispatcher builds dispatcher from enabled channels.
// Params: notify config, logger, and optional metrics.
// Returns: dispatcher or sender init error.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	var senders []Sender
	retries := make(map[string]config.NotifyRetry)

	if cfg.Telegram.Enabled {
		sender, err := NewTelegramSender(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		senders = append(senders, sender)
		retries[sender.Channel()] = cfg.Telegram.Retry
	}
	if cfg.HTTP.Enabled {
		sender := NewWebhookSender(cfg.HTTP)
		senders = append(senders, sender)
		retries[sender.Channel()] = cfg.HTTP.Retry
	}
	if cfg.Log.Enabled {
		senders = append(senders, NewLogSender(logger))
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	return NewDispatcherWithSenders(senders, retries, cfg.QueueSize, timeout, logger, m), nil
}

// NewDispatcherWithSenders builds dispatcher from explicit senders.
// Params: senders, per-channel retry, queue size, per-send timeout, logger, and metrics.
// Returns: dispatcher (not started).
func NewDispatcherWithSenders(
	senders []Sender,
	retries map[string]config.NotifyRetry,
	queueSize int,
	timeout time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if retries == nil {
		retries = make(map[string]config.NotifyRetry)
	}
	return &Dispatcher{
		senders: senders,
		retries: retries,
		timeout: timeout,
		logger:  logging.Component(logger, "notify"),
		metrics: m,
		queue:   make(chan domain.Notification, queueSize),
		done:    make(chan struct{}),
	}
}

// Channels returns configured channel names.
// Params: none.
// Returns: channel list in sender order.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.senders))
	for _, sender := range d.senders {
		out = append(out, sender.Channel())
	}
	return out
}

// Start launches delivery worker.
// Params: parent context; cancel aborts in-flight deliveries.
// Returns: none; repeated calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.run(workerCtx)
}

// Notify enqueues notification without blocking.
// Params: notification payload.
// Returns: nil, ErrClosed after shutdown, or error when queue is full.
func (d *Dispatcher) Notify(notification domain.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- notification:
		d.metrics.SetNotifyQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.Notification("queue", "dropped")
		d.logger.Warn("notify queue full, notification dropped", "alert_id", notification.AlertID, "kind", string(notification.Kind))
		return fmt.Errorf("notify queue full (%d)", cap(d.queue))
	}
}

// Close stops intake and drains queued notifications.
// Params: context bounding the drain.
// Returns: context error when drain did not finish in time.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

// run drains queue until it is closed.
// Params: worker context.
// Returns: none.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.cancel()
	for notification := range d.queue {
		d.metrics.SetNotifyQueueDepth(len(d.queue))
		if ctx.Err() != nil {
			d.metrics.Notification("queue", "dropped")
			continue
		}
		d.Deliver(ctx, notification)
	}
}

// Deliver sends notification to every sender synchronously.
// Params: context and notification.
// Returns: joined delivery errors.
func (d *Dispatcher) Deliver(ctx context.Context, notification domain.Notification) error {
	var errs []error
	for _, sender := range d.senders {
		sendCtx := ctx
		var cancel context.CancelFunc
		if d.timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		err := d.sendWithRetry(sendCtx, sender, notification, d.retries[sender.Channel()])
		if cancel != nil {
			cancel()
		}
		if err != nil {
			d.metrics.Notification(sender.Channel(), "error")
			d.logger.Error("notify send failed",
				"channel", sender.Channel(),
				"alert_id", notification.AlertID,
				"kind", string(notification.Kind),
				"error", err.Error(),
			)
			errs = append(errs, err)
			continue
		}
		d.metrics.Notification(sender.Channel(), "success")
	}
	return errors.Join(errs...)
}

// sendWithRetry sends one notification with channel retry policy.
// Params: sender, payload, and retry policy with exponential backoff.
// Returns: final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender Sender, notification domain.Notification, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := sender.Send(ctx, notification)
		if err == nil {
			if attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if permanent.Is(err) {
			return fmt.Errorf("channel %s rejected notification: %w", sender.Channel(), err)
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}
		d.logger.Debug("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if maxBackoff > 0 && backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
