package logging

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Logger writes leveled events to the terminal and, once enabled, to a
// JSON lines file. Loggers derived with With share one output.
type Logger struct {
	core   *core
	fields []slog.Attr
}

type core struct {
	debugEnabled atomic.Bool
	pretty       bool
	mu           sync.Mutex
	out          io.Writer
	fileSink     *fileSink
}

type Event struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Fields  map[string]any
}

func New(debug bool) *Logger {
	return newLogger(os.Stderr, shouldPrettyPrint(), debug)
}

// NewWriter returns a logger that writes plain lines to w.
func NewWriter(w io.Writer, debug bool) *Logger {
	if w == nil {
		w = io.Discard
	}
	return newLogger(w, false, debug)
}

// Discard returns a logger that writes nowhere until file persistence is
// enabled.
func Discard() *Logger {
	return NewWriter(io.Discard, false)
}

func newLogger(out io.Writer, pretty bool, debug bool) *Logger {
	c := &core{out: out, pretty: pretty}
	c.debugEnabled.Store(debug)
	return &Logger{core: c}
}

func Field(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// With returns a logger that adds fields to every event. Later fields with
// the same key win over earlier ones.
func (l *Logger) With(fields ...slog.Attr) *Logger {
	if l == nil {
		return nil
	}
	merged := make([]slog.Attr, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{core: l.core, fields: merged}
}

func (l *Logger) SetDebugEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.core.debugEnabled.Store(enabled)
}

func (l *Logger) DebugEnabled() bool {
	return l != nil && l.core.debugEnabled.Load()
}

// EnableFilePersistence starts writing every event, debug included, to a
// session log under DefaultLogDirPath. maxBytes <= 0 uses the default part
// size.
func (l *Logger) EnableFilePersistence(maxBytes int64) error {
	if l == nil {
		return nil
	}
	dir, err := DefaultLogDirPath()
	if err != nil {
		return err
	}
	return l.enableFileSink(dir, maxBytes)
}

func (l *Logger) enableFileSink(dir string, maxBytes int64) error {
	sink, err := newFileSink(dir, maxBytes)
	if err != nil {
		return err
	}
	l.core.mu.Lock()
	old := l.core.fileSink
	l.core.fileSink = sink
	l.core.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.core.mu.Lock()
	sink := l.core.fileSink
	l.core.fileSink = nil
	l.core.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Close()
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	// Debug lines always reach the file sink, even when hidden on the terminal.
	l.log(slog.LevelDebug, msg, fields, l.core.debugEnabled.Load())
}

func (l *Logger) Info(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	l.log(slog.LevelInfo, msg, fields, true)
}

func (l *Logger) Warn(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	l.log(slog.LevelWarn, msg, fields, true)
}

func (l *Logger) Error(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	l.log(slog.LevelError, msg, fields, true)
}

func (l *Logger) log(level slog.Level, msg string, attrs []slog.Attr, visible bool) {
	fields := attrsToMap(l.fields)
	if extra := attrsToMap(attrs); extra != nil {
		if fields == nil {
			fields = extra
		} else {
			maps.Copy(fields, extra)
		}
	}
	event := Event{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Fields:  fields,
	}

	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fileSink != nil {
		_ = c.fileSink.WriteEvent(event)
	}
	if !visible {
		return
	}
	line := FormatEventLine(event)
	if c.pretty {
		line = FormatEventANSI(event)
	}
	_, _ = io.WriteString(c.out, line)
}
