package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"coopwatch/internal/bus"
	"coopwatch/internal/clock"
	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/ingest"
	"coopwatch/internal/localdb"
	"coopwatch/internal/logging"
	"coopwatch/internal/metrics"
	"coopwatch/internal/notify"
	"coopwatch/internal/reminder"
	"coopwatch/internal/schedule"
	"coopwatch/internal/state"

	"github.com/nats-io/nats.go"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable coop monitoring service.
type Service struct {
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	clock       clock.Clock
	metrics     *metrics.Metrics
	nc          *nats.Conn
	store       state.Store
	localDB     *localdb.DB
	events      *bus.Bus[domain.InboundEvent]
	dispatcher  *notify.Dispatcher
	manager     *Manager
	schedules   *schedule.Service
	reminders   *reminder.Scheduler
	redisSlot   *reminder.RedisSlot
	mqtt        *ingest.MQTTClient
	watcher     *ingest.SnapshotWatcher
	httpSrv     *http.Server
	unsubscribe func()
	stopLoops   context.CancelFunc
	loops       sync.WaitGroup
	readyFlag   atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	return NewServiceFromConfig(cfg, clk)
}

// NewServiceFromConfig builds service from already validated config.
// Params: config snapshot and clock implementation.
// Returns: initialized service or setup error.
func NewServiceFromConfig(cfg config.Config, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
		metrics:  metrics.New(),
		events:   bus.New[domain.InboundEvent](),
	}

	for _, build := range []func() error{
		service.buildLocalDB,
		service.buildStore,
		service.buildDispatcher,
		service.buildManager,
		service.buildMQTT,
		service.buildSchedules,
		service.buildReminders,
		service.buildSnapshotWatcher,
		service.buildHTTPServer,
	} {
		if err := build(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.stopLoops = cancel
	defer cancel()

	if err := s.start(runCtx); err != nil {
		_ = s.shutdown()
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.every(runCtx, config.Millis(s.cfg.Liveness.PollIntervalMS), func(ctx context.Context) {
		if err := s.manager.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("liveness tick failed", "error", err.Error())
		}
	})
	if s.reminders != nil {
		s.every(runCtx, config.Millis(s.cfg.Reminder.TickMS), s.remind)
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// Handler returns HTTP router for in-process use.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Manager returns alert manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// start launches workers and subscriptions that need the run context.
// Params: run context.
// Returns: first startup error.
func (s *Service) start(ctx context.Context) error {
	// delivery outlives the run context so Close can drain the queue
	s.dispatcher.Start(context.WithoutCancel(ctx))
	s.unsubscribe = s.events.Subscribe(s.manager.HandleEvent)
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	if s.reminders != nil {
		if err := s.reminders.Load(ctx); err != nil {
			s.logger.Warn("reminder state not loaded, starting empty", "error", err.Error())
		}
	}
	if s.mqtt != nil {
		if err := s.mqtt.Start(ctx); err != nil {
			return err
		}
		if err := s.schedules.Sync(ctx); err != nil {
			s.logger.Warn("initial schedule sync failed", "error", err.Error())
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("service started",
		"store", s.cfg.Service.Store,
		"mqtt", s.mqtt != nil,
		"sensors_watch", s.watcher != nil,
		"notify_channels", s.dispatcher.Channels(),
	)
	return nil
}

// every runs fn on interval until ctx is done.
func (s *Service) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// remind runs one reminder tick over mirrored alerts.
func (s *Service) remind(ctx context.Context) {
	alerts, synced := s.manager.Alerts()
	if !synced {
		return
	}
	result, err := s.reminders.Tick(ctx, alerts, clock.NowMS(s.clock))
	if err != nil {
		s.logger.Warn("reminder tick failed", "error", err.Error())
	}
	if len(result.Reminded) > 0 || result.Collected > 0 {
		s.logger.Debug("reminder tick", "reminded", len(result.Reminded), "collected", result.Collected, "persisted", result.Persisted)
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Error("sensors watcher close failed", "error", err.Error())
			markErr(fmt.Errorf("sensors watcher close: %w", err))
		}
	}
	if s.mqtt != nil {
		_ = s.mqtt.Close()
	}
	if s.stopLoops != nil {
		s.stopLoops()
	}
	s.loops.Wait()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.manager.Close()
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Error("notification drain failed", "error", err.Error())
		markErr(fmt.Errorf("notify close: %w", err))
	}
	if s.redisSlot != nil {
		if err := s.redisSlot.Close(); err != nil {
			markErr(fmt.Errorf("redis close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if err := s.localDB.Close(); err != nil {
		s.logger.Error("local db close failed", "error", err.Error())
		markErr(fmt.Errorf("local db close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.mqtt != nil {
		_ = s.mqtt.Close()
		s.mqtt = nil
	}
	if s.redisSlot != nil {
		_ = s.redisSlot.Close()
		s.redisSlot = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	if s.localDB != nil {
		_ = s.localDB.Close()
		s.localDB = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

func (s *Service) buildLocalDB() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := localdb.Open(ctx, s.cfg.Local.SQLitePath)
	if err != nil {
		return err
	}
	s.localDB = db
	return nil
}

// buildStore selects alert store backend; NATS connection is shared with the sensors watcher.
func (s *Service) buildStore() error {
	if s.cfg.Service.Store != config.StoreNATS {
		s.store = state.NewMemoryStore()
		return nil
	}
	nc, js, err := state.Connect(s.cfg.NATS)
	if err != nil {
		return err
	}
	s.nc = nc
	kv, err := state.OpenKeyValue(js, s.cfg.NATS.AlertsBucket, s.cfg.NATS.AllowCreateBuckets)
	if err != nil {
		return err
	}
	s.store = state.NewNATSStoreFromBucket(kv)
	return nil
}

func (s *Service) buildDispatcher() error {
	dispatcher, err := notify.NewDispatcher(s.cfg.Notify, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.dispatcher = dispatcher
	return nil
}

func (s *Service) buildManager() error {
	s.manager = NewManager(s.cfg, s.logger, s.store, s.localDB, s.dispatcher, s.clock, s.metrics)
	return nil
}

func (s *Service) buildMQTT() error {
	if !s.cfg.MQTT.Enabled {
		return nil
	}
	s.mqtt = ingest.NewMQTTClient(s.cfg.MQTT, s.events, s.logger, s.metrics)
	return nil
}

func (s *Service) buildSchedules() error {
	topics := ingest.NewTopics(s.cfg.MQTT.TopicPrefix)
	var publisher schedule.Publisher
	if s.mqtt != nil {
		publisher = s.mqtt
	}
	s.schedules = schedule.NewService(
		s.localDB,
		publisher,
		schedule.Topics{Schedules: topics.Schedules(), FeedControl: topics.FeedControl()},
		s.clock,
		s.logger,
	)
	return nil
}

func (s *Service) buildReminders() error {
	if !s.cfg.Reminder.Enabled {
		return nil
	}
	var slot reminder.Slot
	switch s.cfg.Reminder.Slot {
	case config.SlotRedis:
		redisSlot := reminder.NewRedisSlot(s.cfg.Redis, s.cfg.Reminder.SlotKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisSlot.Ping(ctx); err != nil {
			_ = redisSlot.Close()
			return fmt.Errorf("redis reminder slot: %w", err)
		}
		s.redisSlot = redisSlot
		slot = redisSlot
	case config.SlotSQLite:
		slot = reminder.NewSQLiteSlot(s.localDB, s.cfg.Reminder.SlotKey)
	default:
		slot = reminder.NewMemorySlot()
	}
	s.reminders = reminder.NewScheduler(s.cfg.Reminder, s.cfg.Service.Brand, slot, s.dispatcher, nil, s.logger, s.metrics)
	return nil
}

func (s *Service) buildSnapshotWatcher() error {
	if s.nc == nil || !s.cfg.NATS.WatchSensors {
		return nil
	}
	js, err := s.nc.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := state.OpenKeyValue(js, s.cfg.NATS.SensorsBucket, s.cfg.NATS.AllowCreateBuckets)
	if err != nil {
		return err
	}
	s.watcher = ingest.NewSnapshotWatcher(kv, s.cfg.NATS.SensorsKey, s.events, s.logger, s.metrics)
	return nil
}

// buildHTTPServer wires router with probes, metrics, telemetry, and operator API.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, s.metrics.Handler())

	ingest.NewHTTPHandler(s.events, s.cfg.HTTP.MaxBodyBytes, s.metrics).Register(mux)

	var presence *reminder.Presence
	if s.reminders != nil {
		presence = s.reminders.Presence()
	}
	NewAPI(s.manager, s.schedules, s.localDB, presence, s.clock, s.cfg.HTTP.MaxBodyBytes, s.logger).Register(mux)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}
