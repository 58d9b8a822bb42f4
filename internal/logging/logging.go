// Package logging constructs the process loggers. The console handler is a
// terse single-line format for interactive rescue-shell use; JSON is for
// capturing a run transcript.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// New constructs a logger writing to w. jsonMode selects the JSON handler;
// a nil level defaults to info.
func New(w io.Writer, level slog.Leveler, jsonMode bool) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	if jsonMode {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&consoleHandler{writer: w, level: level})
}

// ParseLevel maps a CLI level name to a slog level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

type consoleHandler struct {
	writer io.Writer
	level  slog.Leveler

	mu    sync.Mutex
	attrs []slog.Attr
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	current := slog.LevelInfo
	if h.level != nil {
		current = h.level.Level()
	}
	return level >= current
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	b.WriteString(ts.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteByte(' ')
	b.WriteString(record.Message)

	for _, attr := range h.attrs {
		writeAttr(&b, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &consoleHandler{writer: h.writer, level: h.level, attrs: merged}
}

// WithGroup is accepted but flattened; the CLI's loggers only use With.
func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	copied := make([]slog.Attr, len(h.attrs))
	copy(copied, h.attrs)
	return &consoleHandler{writer: h.writer, level: h.level, attrs: copied}
}

func writeAttr(b *strings.Builder, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		for _, nested := range value.Group() {
			nested.Key = attr.Key + "." + nested.Key
			writeAttr(b, nested)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(attr.Key)
	b.WriteByte('=')
	switch value.Kind() {
	case slog.KindString:
		b.WriteString(value.String())
	case slog.KindInt64:
		b.WriteString(strconv.FormatInt(value.Int64(), 10))
	case slog.KindBool:
		b.WriteString(strconv.FormatBool(value.Bool()))
	case slog.KindDuration:
		b.WriteString(value.Duration().String())
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			b.WriteString(err.Error())
			return
		}
		fmt.Fprint(b, value.Any())
	default:
		b.WriteString(value.String())
	}
}
