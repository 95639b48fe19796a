package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/permanent"
)

type flakySender struct {
	channel string
	fails   int
	calls   int
	err     error
}

func (s *flakySender) Channel() string { return s.channel }

func (s *flakySender) Send(_ context.Context, _ domain.Notification) error {
	s.calls++
	if s.calls <= s.fails {
		if s.err != nil {
			return s.err
		}
		return errors.New("temporary error")
	}
	return nil
}

type captureSender struct {
	channel string
	mu      sync.Mutex
	items   []domain.Notification
	block   chan struct{}
}

func (s *captureSender) Channel() string { return s.channel }

func (s *captureSender) Send(ctx context.Context, notification domain.Notification) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, notification)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func fastRetry(attempts int) config.NotifyRetry {
	return config.NotifyRetry{Enabled: true, InitialMS: 1, MaxMS: 4, MaxAttempts: attempts}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "telegram", fails: 2}
	dispatcher := NewDispatcherWithSenders(
		[]Sender{sender},
		map[string]config.NotifyRetry{"telegram": fastRetry(5)},
		4, time.Second, nil, nil,
	)

	if err := dispatcher.Deliver(context.Background(), domain.Notification{AlertID: "a1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
}

func TestDispatcherStopsOnAttemptLimit(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "http", fails: 10}
	dispatcher := NewDispatcherWithSenders(
		[]Sender{sender},
		map[string]config.NotifyRetry{"http": fastRetry(3)},
		4, time.Second, nil, nil,
	)

	if err := dispatcher.Deliver(context.Background(), domain.Notification{}); err == nil {
		t.Fatalf("expected error after attempts exhausted")
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
}

func TestDispatcherDoesNotRetryPermanentError(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "http", fails: 10, err: permanent.Mark(errors.New("400"))}
	dispatcher := NewDispatcherWithSenders(
		[]Sender{sender},
		map[string]config.NotifyRetry{"http": fastRetry(5)},
		4, time.Second, nil, nil,
	)

	err := dispatcher.Deliver(context.Background(), domain.Notification{})
	if err == nil || !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected single call, got %d", sender.calls)
	}
}

func TestDispatcherNotifyIsNonBlockingAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	capture := &captureSender{channel: "log", block: make(chan struct{})}
	dispatcher := NewDispatcherWithSenders([]Sender{capture}, nil, 1, time.Second, nil, nil)
	dispatcher.Start(context.Background())

	if err := dispatcher.Notify(domain.Notification{AlertID: "first"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// worker holds "first" in Send; the second fills the queue and the third overflows.
	deadline := time.Now().Add(time.Second)
	for len(dispatcher.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := dispatcher.Notify(domain.Notification{AlertID: "second"}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := dispatcher.Notify(domain.Notification{AlertID: "third"}); err == nil {
		t.Fatalf("expected overflow error for third enqueue")
	}

	close(capture.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if capture.count() != 2 {
		t.Fatalf("expected drained deliveries, got %d", capture.count())
	}
	if err := dispatcher.Notify(domain.Notification{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestNewDispatcherChannels(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(config.NotifyConfig{
		QueueSize:  4,
		TimeoutSec: 1,
		Telegram: config.TelegramNotifier{
			Enabled:  true,
			BotToken: "token",
			ChatID:   "-1001",
			APIBase:  "http://127.0.0.1:1",
		},
		HTTP: config.HTTPNotifier{Enabled: true, URL: "http://127.0.0.1:1/hook", Method: "POST", TimeoutSec: 1},
		Log:  config.LogNotifier{Enabled: true},
	}, nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	channels := dispatcher.Channels()
	if len(channels) != 3 || channels[0] != "telegram" || channels[1] != "http" || channels[2] != "log" {
		t.Fatalf("unexpected channels %v", channels)
	}
}

func TestTelegramSenderSend(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		chatIDs  []string
		messages []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		chatIDs = append(chatIDs, r.FormValue("chat_id"))
		messages = append(messages, r.FormValue("text"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"}}}`)
	}))
	defer server.Close()

	sender, err := NewTelegramSender(config.TelegramNotifier{
		BotToken: "token",
		ChatID:   "12345",
		APIBase:  server.URL,
		Template: "[{{ .Severity }}] {{ .Title }}: {{ .Body }}",
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	err = sender.Send(context.Background(), domain.Notification{
		Title:    "ChicKulungan: Critical Alert Reminder",
		Body:     "LowFeed - Feed level is low (10%)",
		Severity: domain.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 1 || chatIDs[0] != "12345" {
		t.Fatalf("unexpected requests chat=%v messages=%v", chatIDs, messages)
	}
	if messages[0] != "[critical] ChicKulungan: Critical Alert Reminder: LowFeed - Feed level is low (10%)" {
		t.Fatalf("unexpected text %q", messages[0])
	}
}

func TestNewTelegramSenderRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramSender(config.TelegramNotifier{ChatID: "1"}); err == nil {
		t.Fatalf("expected token error")
	}
	if _, err := NewTelegramSender(config.TelegramNotifier{BotToken: "t"}); err == nil {
		t.Fatalf("expected chat id error")
	}
}

func TestWebhookSenderSend(t *testing.T) {
	t.Parallel()

	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing static header")
		}
		body, _ := io.ReadAll(r.Body)
		received.Store(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.HTTPNotifier{
		URL:        server.URL,
		Method:     "PUT",
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Token": "secret"},
	})
	err := sender.Send(context.Background(), domain.Notification{
		Kind:      domain.NotificationRaised,
		AlertID:   "a1",
		AlertType: domain.AlertHighTemperature,
		Title:     "raised",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(received.Load().([]byte), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["alert_id"] != "a1" || payload["alert_type"] != "HighTemperature" || payload["kind"] != "raised" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestWebhookSenderClassifiesStatus(t *testing.T) {
	t.Parallel()

	status := int32(http.StatusBadRequest)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte("nope"))
	}))
	defer server.Close()

	sender := NewWebhookSender(config.HTTPNotifier{URL: server.URL, TimeoutSec: 2})
	err := sender.Send(context.Background(), domain.Notification{})
	if err == nil || !permanent.Is(err) {
		t.Fatalf("expected permanent error for 400, got %v", err)
	}

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	err = sender.Send(context.Background(), domain.Notification{})
	if err == nil || permanent.Is(err) {
		t.Fatalf("expected retryable error for 503, got %v", err)
	}
}
