/*
File: logger.go
Version: 1.0.0
Description: Structured, multi-output logging built on log/slog.
             Records are queued to a background worker so socket goroutines never block on log I/O.
             Console output is rendered with tint; file and syslog outputs use the stock slog handlers.
*/

package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Config selects log level, format and outputs.
type Config struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"`
	Outputs []string `yaml:"outputs"`

	File struct {
		Path        string `yaml:"path"`
		Permissions uint32 `yaml:"permissions"`
	} `yaml:"file"`

	Syslog struct {
		Network  string `yaml:"network"`
		Address  string `yaml:"address"`
		Tag      string `yaml:"tag"`
		Facility int    `yaml:"facility"`
	} `yaml:"syslog"`
}

const logBufferSize = 4096

var (
	mu sync.RWMutex

	// Usable before Init so early messages are not lost.
	current = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	level   = new(slog.LevelVar)

	logBuffer  chan slog.Record
	logDone    chan struct{}
	logWg      sync.WaitGroup
	asyncReady bool
	logFile    *os.File
)

// Init replaces the process logger according to cfg.
func Init(cfg Config) error {
	var handlers []slog.Handler

	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	for _, output := range cfg.Outputs {
		switch strings.ToLower(output) {
		case "console":
			handlers = append(handlers, tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.TimeOnly,
				NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
			}))

		case "file":
			if cfg.File.Path == "" {
				return fmt.Errorf("file logging enabled but no path specified")
			}
			perm := os.FileMode(0644)
			if cfg.File.Permissions > 0 {
				perm = os.FileMode(cfg.File.Permissions)
			}
			f, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logFile = f
			if strings.EqualFold(cfg.Format, "json") {
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			} else {
				handlers = append(handlers, slog.NewTextHandler(f, opts))
			}

		case "syslog":
			w := &SyslogWriter{
				Network:  cfg.Syslog.Network,
				Address:  cfg.Syslog.Address,
				Tag:      cfg.Syslog.Tag,
				Facility: cfg.Syslog.Facility,
				Hostname: "localhost",
			}
			if h, err := os.Hostname(); err == nil {
				w.Hostname = h
			}
			handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{
				Level: level,
				ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey {
						return slog.Attr{} // syslog stamps its own time
					}
					return a
				},
			}))

		default:
			return fmt.Errorf("unknown log output %q", output)
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	var final slog.Handler = handlers[0]
	if len(handlers) > 1 {
		final = &MultiHandler{handlers: handlers}
	}

	mu.Lock()
	defer mu.Unlock()

	logBuffer = make(chan slog.Record, logBufferSize)
	logDone = make(chan struct{})
	logWg.Add(1)
	go func(h slog.Handler, buf chan slog.Record, done chan struct{}) {
		defer logWg.Done()
		processLogs(h, buf, done)
	}(final, logBuffer, logDone)
	asyncReady = true

	current = slog.New(&AsyncHandler{handler: final, buffer: logBuffer})
	slog.SetDefault(current)
	return nil
}

func processLogs(h slog.Handler, buf chan slog.Record, done chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case r := <-buf:
			_ = h.Handle(ctx, r)
		case <-done:
			for {
				select {
				case r := <-buf:
					_ = h.Handle(ctx, r)
				default:
					return
				}
			}
		}
	}
}

// Shutdown flushes queued records and closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if !asyncReady {
		return
	}
	close(logDone)
	logWg.Wait()
	asyncReady = false
	current = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Logger returns the current process logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// AsyncHandler hands records to the background worker and drops them when the queue is full.
type AsyncHandler struct {
	handler slog.Handler
	buffer  chan slog.Record
}

func (h *AsyncHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	select {
	case h.buffer <- r.Clone():
	default:
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{handler: h.handler.WithAttrs(attrs), buffer: h.buffer}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{handler: h.handler.WithGroup(name), buffer: h.buffer}
}

// ParseLevel maps a level name to a slog level, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// --- MultiHandler ---

type MultiHandler struct {
	handlers []slog.Handler
}

func (m *MultiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// --- Level Checks ---

func IsDebugEnabled() bool {
	return level.Level() <= slog.LevelDebug
}

// --- Printf Wrappers ---

// Logf formats and emits a record on l, attributing it to the caller of the wrapper.
func Logf(l *slog.Logger, lvl slog.Level, format string, v ...any) {
	logf(l, lvl, 3, format, v...)
}

func logf(l *slog.Logger, lvl slog.Level, skip int, format string, v ...any) {
	if l == nil || !l.Enabled(context.Background(), lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, v...), pcs[0])
	_ = l.Handler().Handle(context.Background(), r)
}

func Debug(format string, v ...any) {
	logf(Logger(), slog.LevelDebug, 3, format, v...)
}

func Info(format string, v ...any) {
	logf(Logger(), slog.LevelInfo, 3, format, v...)
}

func Warn(format string, v ...any) {
	logf(Logger(), slog.LevelWarn, 3, format, v...)
}

func Error(format string, v ...any) {
	logf(Logger(), slog.LevelError, 3, format, v...)
}

func Fatal(format string, v ...any) {
	logf(Logger(), slog.LevelError, 3, format, v...)
	Shutdown()
	os.Exit(1)
}
