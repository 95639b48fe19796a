package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"coopwatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName        = "coopwatch"
	defaultBrand              = "ChicKulungan"
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultMetricsPath        = "/metrics"
	defaultMaxBodyBytes       = 1 << 20
	defaultMQTTBroker         = "tcp://127.0.0.1:1883"
	defaultMQTTClientID       = "coopwatch"
	defaultTopicPrefix        = "chickulungan"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultAlertsBucket       = "alerts"
	defaultSensorsBucket      = "sensors"
	defaultSensorsKey         = "current"
	defaultLowFeed            = 20
	defaultHighTemperature    = 35
	defaultLowTemperature     = 18
	defaultHighHumidity       = 80
	defaultLowHumidity        = 40
	defaultOfflineThresholdMS = 90_000
	defaultLivenessPollMS     = 5_000
	defaultDebounceMS         = 60_000
	defaultDuplicateWindowMS  = 3_600_000
	defaultReminderTickMS     = 60_000
	defaultCriticalRemindMS   = 600_000
	defaultWarningRemindMS    = 1_800_000
	defaultRemindersPerTick   = 1
	defaultViewerActiveMS     = 30_000
	defaultReminderSlotKey    = "alertReminderState_v1"
	defaultSQLitePath         = "data/coopwatch.db"
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultNotifyQueueSize    = 64
	defaultNotifyTimeoutSec   = 10

	// StoreMemory keeps alert records in process memory.
	StoreMemory = "memory"
	// StoreNATS keeps alert records in a JetStream KV bucket.
	StoreNATS = "nats"

	// SlotSQLite persists reminder state in the local SQLite database.
	SlotSQLite = "sqlite"
	// SlotRedis persists reminder state in Redis.
	SlotRedis = "redis"
	// SlotMemory keeps reminder state only for process lifetime.
	SlotMemory = "memory"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
	MQTT       MQTTConfig       `toml:"mqtt"`
	NATS       NATSConfig       `toml:"nats"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
	Liveness   LivenessConfig   `toml:"liveness"`
	Alerts     AlertsConfig     `toml:"alerts"`
	Reminder   ReminderConfig   `toml:"reminder"`
	Local      LocalConfig      `toml:"local"`
	Redis      RedisConfig      `toml:"redis"`
	Notify     NotifyConfig     `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: service name, notification brand, and alert store backend.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name  string `toml:"name"`
	Brand string `toml:"brand"`
	Store string `toml:"store"`
}

// HTTPConfig defines embedded HTTP server settings.
// Params: listen address, probe paths, and request size limit.
// Returns: HTTP API runtime options.
type HTTPConfig struct {
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// MQTTConfig defines device push channel connection.
// Params: broker endpoint, credentials, topic prefix, and QoS.
// Returns: MQTT subscriber/publisher options.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         int    `toml:"qos"`
}

// NATSConfig defines realtime store connection.
// Params: server URLs, bucket names, and sensors watch toggle.
// Returns: JetStream KV options for alerts and sensors mirror.
type NATSConfig struct {
	URL                []string `toml:"url"`
	AlertsBucket       string   `toml:"alerts_bucket"`
	SensorsBucket      string   `toml:"sensors_bucket"`
	SensorsKey         string   `toml:"sensors_key"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
	WatchSensors       bool     `toml:"watch_sensors"`
}

// ThresholdsConfig holds sensor limits for alert rules.
// Params: feed/temperature/humidity/water bounds.
// Returns: rule table thresholds.
type ThresholdsConfig struct {
	LowFeed         float64 `toml:"low_feed"`
	HighTemperature float64 `toml:"high_temperature"`
	LowTemperature  float64 `toml:"low_temperature"`
	HighHumidity    float64 `toml:"high_humidity"`
	LowHumidity     float64 `toml:"low_humidity"`
	LowWater        float64 `toml:"low_water"`
}

// LivenessConfig holds device offline detection settings.
// Params: offline threshold and poll interval in milliseconds.
// Returns: liveness monitor options.
type LivenessConfig struct {
	OfflineThresholdMS int64 `toml:"offline_threshold_ms"`
	PollIntervalMS     int64 `toml:"poll_interval_ms"`
}

// AlertsConfig holds alert creation gates.
// Params: per-type debounce and duplicate suppression windows.
// Returns: evaluator windows.
type AlertsConfig struct {
	DebounceMS        int64 `toml:"debounce_ms"`
	DuplicateWindowMS int64 `toml:"duplicate_window_ms"`
}

// ReminderConfig holds re-notification policy.
// Params: tick, per-severity intervals, per-tick cap, viewer policy, and slot backend.
// Returns: reminder scheduler options.
type ReminderConfig struct {
	Enabled            bool   `toml:"enabled"`
	TickMS             int64  `toml:"tick_ms"`
	CriticalIntervalMS int64  `toml:"critical_interval_ms"`
	WarningIntervalMS  int64  `toml:"warning_interval_ms"`
	MaxPerTick         int    `toml:"max_per_tick"`
	OnlyWhenInactive   bool   `toml:"only_when_inactive"`
	ViewerActiveMS     int64  `toml:"viewer_active_ms"`
	Slot               string `toml:"slot"`
	SlotKey            string `toml:"slot_key"`
}

// LocalConfig holds process-local storage location.
type LocalConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

// RedisConfig holds Redis connection for the reminder slot.
// Params: address, password, and logical DB index.
// Returns: redis client options.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// NotifyConfig holds outbound notification transports.
// Params: queue size, default timeout, and per-channel sections.
// Returns: notification controls.
type NotifyConfig struct {
	QueueSize  int              `toml:"queue_size"`
	TimeoutSec int              `toml:"timeout_sec"`
	Telegram   TelegramNotifier `toml:"telegram"`
	HTTP       HTTPNotifier     `toml:"http"`
	Log        LogNotifier      `toml:"log"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff bounds, and attempt limit.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled     bool `toml:"enabled"`
	InitialMS   int  `toml:"initial_ms"`
	MaxMS       int  `toml:"max_ms"`
	MaxAttempts int  `toml:"max_attempts"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, message template, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	ChatID   string      `toml:"chat_id"`
	APIBase  string      `toml:"api_base"`
	Template string      `toml:"template"`
	Retry    NotifyRetry `toml:"retry"`
}

// HTTPNotifier defines generic outbound webhook.
// Params: URL, method, timeout, optional static headers, and retry policy.
// Returns: webhook sender configuration.
type HTTPNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Retry      NotifyRetry       `toml:"retry"`
}

// LogNotifier writes notifications into the service log.
type LogNotifier struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	cfg := baseConfig()
	var err error
	if src.File != "" {
		err = loadFile(src.File, &cfg)
	} else {
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns fully defaulted config without reading files.
// Params: none.
// Returns: config equal to an empty TOML source after defaults.
func Default() Config {
	cfg := baseConfig()
	applyDefaults(&cfg)
	return cfg
}

// baseConfig seeds bool and threshold values that default to non-zero.
// Params: none.
// Returns: config used as decode target so absent keys keep defaults.
func baseConfig() Config {
	return Config{
		NATS: NATSConfig{
			AllowCreateBuckets: true,
			WatchSensors:       true,
		},
		Thresholds: ThresholdsConfig{
			LowFeed:         defaultLowFeed,
			HighTemperature: defaultHighTemperature,
			LowTemperature:  defaultLowTemperature,
			HighHumidity:    defaultHighHumidity,
			LowHumidity:     defaultLowHumidity,
		},
		Reminder: ReminderConfig{
			Enabled:          true,
			OnlyWhenInactive: true,
		},
		Notify: NotifyConfig{
			Log: LogNotifier{Enabled: true},
		},
	}
}

// loadFile decodes one TOML file on top of current config values.
// Params: file path and decode target.
// Returns: read/decode error.
func loadFile(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir overlays TOML fragments from one directory in lexical order.
// Params: directory containing config fragments and decode target.
// Returns: read/decode error.
func loadDir(dir string, cfg *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := loadFile(file, cfg); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills missing values with runtime defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if strings.TrimSpace(cfg.Service.Brand) == "" {
		cfg.Service.Brand = defaultBrand
	}
	cfg.Service.Store = strings.ToLower(strings.TrimSpace(cfg.Service.Store))
	if cfg.Service.Store == "" {
		cfg.Service.Store = StoreMemory
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if strings.TrimSpace(cfg.MQTT.Broker) == "" {
		cfg.MQTT.Broker = defaultMQTTBroker
	}
	if strings.TrimSpace(cfg.MQTT.ClientID) == "" {
		cfg.MQTT.ClientID = defaultMQTTClientID
	}
	cfg.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(cfg.MQTT.TopicPrefix), "/")
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = defaultTopicPrefix
	}

	cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
	if len(cfg.NATS.URL) == 0 {
		cfg.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.NATS.AlertsBucket) == "" {
		cfg.NATS.AlertsBucket = defaultAlertsBucket
	}
	if strings.TrimSpace(cfg.NATS.SensorsBucket) == "" {
		cfg.NATS.SensorsBucket = defaultSensorsBucket
	}
	if strings.TrimSpace(cfg.NATS.SensorsKey) == "" {
		cfg.NATS.SensorsKey = defaultSensorsKey
	}

	if cfg.Liveness.OfflineThresholdMS <= 0 {
		cfg.Liveness.OfflineThresholdMS = defaultOfflineThresholdMS
	}
	if cfg.Liveness.PollIntervalMS <= 0 {
		cfg.Liveness.PollIntervalMS = defaultLivenessPollMS
	}

	if cfg.Alerts.DebounceMS <= 0 {
		cfg.Alerts.DebounceMS = defaultDebounceMS
	}
	if cfg.Alerts.DuplicateWindowMS <= 0 {
		cfg.Alerts.DuplicateWindowMS = defaultDuplicateWindowMS
	}

	if cfg.Reminder.TickMS <= 0 {
		cfg.Reminder.TickMS = defaultReminderTickMS
	}
	if cfg.Reminder.CriticalIntervalMS <= 0 {
		cfg.Reminder.CriticalIntervalMS = defaultCriticalRemindMS
	}
	if cfg.Reminder.WarningIntervalMS <= 0 {
		cfg.Reminder.WarningIntervalMS = defaultWarningRemindMS
	}
	if cfg.Reminder.MaxPerTick <= 0 {
		cfg.Reminder.MaxPerTick = defaultRemindersPerTick
	}
	if cfg.Reminder.ViewerActiveMS <= 0 {
		cfg.Reminder.ViewerActiveMS = defaultViewerActiveMS
	}
	cfg.Reminder.Slot = strings.ToLower(strings.TrimSpace(cfg.Reminder.Slot))
	if cfg.Reminder.Slot == "" {
		cfg.Reminder.Slot = SlotSQLite
	}
	if strings.TrimSpace(cfg.Reminder.SlotKey) == "" {
		cfg.Reminder.SlotKey = defaultReminderSlotKey
	}

	if strings.TrimSpace(cfg.Local.SQLitePath) == "" {
		cfg.Local.SQLitePath = defaultSQLitePath
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}

	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = defaultNotifyQueueSize
	}
	if cfg.Notify.TimeoutSec <= 0 {
		cfg.Notify.TimeoutSec = defaultNotifyTimeoutSec
	}
	if strings.TrimSpace(cfg.Notify.Telegram.APIBase) == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	if strings.TrimSpace(cfg.Notify.Telegram.Template) == "" {
		cfg.Notify.Telegram.Template = templatefmt.DefaultMessageTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if strings.TrimSpace(cfg.Notify.HTTP.Method) == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	cfg.Notify.HTTP.Method = strings.ToUpper(strings.TrimSpace(cfg.Notify.HTTP.Method))
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = cfg.Notify.TimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)
}

// fillNotifyRetryDefaults applies retry backoff defaults.
// Params: retry config pointer.
// Returns: retry config updated in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 10_000
	}
	if retry.MaxMS < retry.InitialMS {
		retry.MaxMS = retry.InitialMS
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing validation error.
func validateConfig(cfg Config) error {
	switch cfg.Service.Store {
	case StoreMemory, StoreNATS:
	default:
		return fmt.Errorf("service.store has unsupported value %q", cfg.Service.Store)
	}
	if !strings.HasPrefix(cfg.HTTP.HealthPath, "/") || !strings.HasPrefix(cfg.HTTP.ReadyPath, "/") || !strings.HasPrefix(cfg.HTTP.MetricsPath, "/") {
		return errors.New("http health/ready/metrics paths must start with /")
	}

	if cfg.MQTT.Enabled {
		parsed, err := url.Parse(cfg.MQTT.Broker)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("mqtt.broker has invalid value %q", cfg.MQTT.Broker)
		}
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return errors.New("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.Service.Store == StoreNATS && len(cfg.NATS.URL) == 0 {
		return errors.New("nats.url is required when service.store=nats")
	}

	th := cfg.Thresholds
	if th.LowTemperature >= th.HighTemperature {
		return errors.New("thresholds.low_temperature must be < thresholds.high_temperature")
	}
	if th.LowHumidity >= th.HighHumidity {
		return errors.New("thresholds.low_humidity must be < thresholds.high_humidity")
	}
	if th.LowFeed < 0 || th.LowFeed > 100 {
		return errors.New("thresholds.low_feed must be within 0..100")
	}
	if th.LowWater < 0 || th.LowWater > 100 {
		return errors.New("thresholds.low_water must be within 0..100")
	}

	if cfg.Alerts.DuplicateWindowMS < cfg.Alerts.DebounceMS {
		return errors.New("alerts.duplicate_window_ms must be >= alerts.debounce_ms")
	}

	switch cfg.Reminder.Slot {
	case SlotSQLite, SlotRedis, SlotMemory:
	default:
		return fmt.Errorf("reminder.slot has unsupported value %q", cfg.Reminder.Slot)
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" || strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.bot_token and notify.telegram.chat_id are required when telegram is enabled")
		}
		if _, err := templatefmt.ParseNotificationTemplate("notify.telegram.template", cfg.Notify.Telegram.Template); err != nil {
			return fmt.Errorf("notify.telegram.template is invalid: %w", err)
		}
	}
	if cfg.Notify.HTTP.Enabled {
		parsed, err := url.Parse(cfg.Notify.HTTP.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("notify.http.url has invalid value %q", cfg.Notify.HTTP.URL)
		}
		switch cfg.Notify.HTTP.Method {
		case "POST", "PUT", "PATCH":
		default:
			return fmt.Errorf("notify.http.method has unsupported value %q", cfg.Notify.HTTP.Method)
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

// normalizeNATSURLs trims and drops empty server URLs.
// Params: raw URL list.
// Returns: cleaned URL list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Millis converts millisecond config value into duration.
// Params: milliseconds.
// Returns: duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
