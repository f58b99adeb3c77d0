// Package logger builds the process slog.Logger: human-readable text through
// charmbracelet/log, or one JSON object per line, optionally mirrored into a
// file per day.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"astralune/pkg/config"

	charmLog "github.com/charmbracelet/log"
)

const (
	formatText = "text"
	formatJSON = "json"

	envFormat    = "ASTRALUNE_LOG_FORMAT"
	envLevel     = "ASTRALUNE_LOG_LEVEL"
	envAddSource = "ASTRALUNE_LOG_ADD_SOURCE"
	envDir       = "ASTRALUNE_LOG_DIR"
)

// Logger is the process logger together with the log file it writes.
type Logger struct {
	*slog.Logger

	files *dailyWriter
}

// Close releases the current day's log file. Records logged afterwards only
// reach stderr.
func (l *Logger) Close() error {
	if l == nil || l.files == nil {
		return nil
	}
	return l.files.Close()
}

// settings is LoggingConfig with environment overrides applied.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
	dir       string
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	s := settings{
		format:    strings.ToLower(strings.TrimSpace(override(envFormat, cfg.Format))),
		addSource: cfg.AddSource,
		dir:       strings.TrimSpace(override(envDir, cfg.Dir)),
	}
	if s.format == "" {
		s.format = formatText
	}
	if s.format != formatText && s.format != formatJSON {
		return settings{}, fmt.Errorf("unsupported log format %q", s.format)
	}

	level, err := parseLevel(override(envLevel, cfg.Level))
	if err != nil {
		return settings{}, err
	}
	s.level = level

	if value := strings.TrimSpace(os.Getenv(envAddSource)); value != "" {
		s.addSource, _ = strconv.ParseBool(value)
	}
	return s, nil
}

func override(env string, value string) string {
	if fromEnv := strings.TrimSpace(os.Getenv(env)); fromEnv != "" {
		return fromEnv
	}
	return value
}

func parseLevel(text string) (slog.Level, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	switch text {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "debug", "info", "warn", "error":
		var level slog.Level
		err := level.UnmarshalText([]byte(text))
		return level, err
	default:
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
}

// New builds the process logger. Close it once nothing logs anymore.
func New(cfg config.LoggingConfig) (*Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	if s.dir == "" {
		return &Logger{Logger: slog.New(newHandler(s, os.Stderr))}, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	files := &dailyWriter{dir: s.dir, now: time.Now}
	return &Logger{
		Logger: slog.New(newHandler(s, io.MultiWriter(os.Stderr, files))),
		files:  files,
	}, nil
}

func newHandler(s settings, w io.Writer) slog.Handler {
	if s.format == formatJSON {
		return &jsonHandler{level: s.level, addSource: s.addSource, out: &lockedWriter{w: w}}
	}

	// charmbracelet/log levels share slog's numeric values.
	return charmLog.NewWithOptions(w, charmLog.Options{
		Level:           charmLog.Level(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})
}

// Record is one line of JSON output.
type Record struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(line)
	return err
}

// jsonHandler flattens attributes into Record.Fields. Group names become
// dotted key prefixes; a top-level "component" string is lifted out.
type jsonHandler struct {
	level     slog.Level
	addSource bool
	out       *lockedWriter

	prefix    string
	component string
	fields    map[string]any
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}

	rec := Record{
		Level:     strings.ToLower(r.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Component: h.component,
		Message:   r.Message,
	}

	fields := make(map[string]any, len(h.fields)+r.NumAttrs())
	for key, value := range h.fields {
		fields[key] = value
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.collect(fields, &rec.Component, h.prefix, attr)
		return true
	})
	if len(fields) > 0 {
		rec.Fields = fields
	}
	if h.addSource {
		rec.Caller = caller(r.PC)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.out.write(append(line, '\n'))
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.fields = make(map[string]any, len(h.fields)+len(attrs))
	for key, value := range h.fields {
		next.fields[key] = value
	}
	for _, attr := range attrs {
		h.collect(next.fields, &next.component, h.prefix, attr)
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *jsonHandler) collect(fields map[string]any, component *string, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if attr.Key != "" {
			groupPrefix = prefix + attr.Key + "."
		}
		for _, member := range attr.Value.Group() {
			h.collect(fields, component, groupPrefix, member)
		}
		return
	}

	if prefix == "" && attr.Key == "component" && attr.Value.Kind() == slog.KindString {
		*component = attr.Value.String()
		return
	}
	fields[prefix+attr.Key] = jsonValue(attr.Value)
}

func jsonValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

// dailyWriter appends to <dir>/astralune-YYYY-MM-DD.log, switching files when
// the day changes. Writes after Close are discarded.
type dailyWriter struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	day    string
	file   *os.File
	closed bool
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return len(p), nil
	}

	day := w.now().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		file, err := os.OpenFile(filepath.Join(w.dir, "astralune-"+day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		w.file = file
		w.day = day
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
