package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"coopwatch/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
	ansiBold   = "\x1b[1m"
)

// levelTones maps rendered level token to console color.
var levelTones = []struct {
	token string
	color string
}{
	{token: "level=DEBUG", color: ansiGray},
	{token: "level=INFO", color: ansiBlue},
	{token: "level=WARN", color: ansiYellow},
	{token: "level=ERROR", color: ansiRed},
}

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return newWithConsole(cfg, os.Stdout)
}

// newWithConsole builds logger with explicit console writer.
// Params: sink config and console destination.
// Returns: slog logger, cleanup callback, and setup error.
func newWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := consoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		handler, closer, err := fileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}

	if len(handlers) == 0 {
		return nil, nil, errors.New("no log sinks enabled")
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeFn, nil
	}
	return slog.New(teeHandler{handlers: handlers}), closeFn, nil
}

// Discard returns logger that drops every record.
// Params: none.
// Returns: no-op logger for tests and optional components.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Component derives child logger tagged with component name.
// Params: parent logger (nil means discard) and component name.
// Returns: child logger.
func Component(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		parent = Discard()
	}
	return parent.With("component", name)
}

// consoleHandler creates console sink handler.
// Params: sink settings and output writer.
// Returns: configured slog handler or error.
func consoleHandler(sink config.LogSinkConfig, out io.Writer) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		},
	}

	switch strings.ToLower(sink.Format) {
	case "line":
		return slog.NewTextHandler(&toneWriter{dst: out}, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

// fileHandler creates file sink handler, creating parent directory when missing.
// Params: sink contains path, level, and format.
// Returns: handler, file closer, and error.
func fileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}
	if dir := filepath.Dir(sink.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(sink.Format) {
	case "line":
		return slog.NewTextHandler(file, opts), file, nil
	case "json":
		return slog.NewJSONHandler(file, opts), file, nil
	default:
		_ = file.Close()
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}
}

// parseLevel converts configuration level into slog.Level.
// Params: value is log level name.
// Returns: slog level or error.
func parseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// teeHandler fans one record out to multiple handlers.
type teeHandler struct {
	handlers []slog.Handler
}

// Enabled checks if at least one downstream handler is enabled.
// Params: ctx context and level.
// Returns: true when any sink accepts the level.
func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range t.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to all enabled downstream handlers.
// Params: ctx context and record to write.
// Returns: joined sink errors.
func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range t.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs applies attrs to each downstream handler.
// Params: attrs to attach.
// Returns: new tee handler with attrs.
func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		next = append(next, handler.WithAttrs(attrs))
	}
	return teeHandler{handlers: next}
}

// WithGroup applies group to each downstream handler.
// Params: group name.
// Returns: new tee handler with group.
func (t teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		next = append(next, handler.WithGroup(name))
	}
	return teeHandler{handlers: next}
}

// toneWriter colors console lines by level and emphasizes alert identifiers.
type toneWriter struct {
	dst io.Writer
}

// Write colors one rendered line.
// Params: payload is rendered slog line.
// Returns: bytes of payload consumed or write error.
func (w *toneWriter) Write(payload []byte) (int, error) {
	tone := lineTone(payload)
	if tone == "" {
		return w.dst.Write(payload)
	}

	body := bytes.TrimRight(payload, "\n")
	var out bytes.Buffer
	out.Grow(len(payload) + 32)
	out.WriteString(tone)
	out.Write(emphasize(body, tone))
	out.WriteString(ansiReset)
	out.WriteByte('\n')
	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// lineTone picks color for rendered level token.
// Params: rendered line.
// Returns: ANSI color or empty string.
func lineTone(line []byte) string {
	for _, tone := range levelTones {
		if bytes.Contains(line, []byte(tone.token)) {
			return tone.color
		}
	}
	return ""
}

// emphasize bolds alert_id and type attribute values.
// Params: line body and base tone to restore.
// Returns: line with ANSI emphasis.
func emphasize(line []byte, tone string) []byte {
	fields := bytes.Split(line, []byte(" "))
	for i, field := range fields {
		if bytes.HasPrefix(field, []byte("alert_id=")) || bytes.HasPrefix(field, []byte("type=")) {
			fields[i] = append(append([]byte(ansiBold), field...), []byte(ansiReset+tone)...)
		}
	}
	return bytes.Join(fields, []byte(" "))
}
