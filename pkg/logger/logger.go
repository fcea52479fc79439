// Package logger provides a small structured logging facade over log/slog
// used by the relay server. Fields are emitted in sorted key order so log lines
// are stable and easy to grep.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Fields holds structured key/value pairs attached to a log line.
type Fields map[string]any

var (
	mu  sync.RWMutex
	std = New(os.Stderr)
)

// New returns a text logger writing to w at INFO level.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// SetLogger replaces the package-level logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	std = l
	mu.Unlock()
}

// Default returns the package-level logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// Info logs at INFO level.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, msg, fields)
}

// Warn logs at WARN level.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, msg, fields)
}

// Debug logs at DEBUG level.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, msg, fields)
}

// Error logs at ERROR level with the error attached as the "error" field.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	attrs := attrsOf(fields)
	if err != nil {
		attrs = append([]slog.Attr{slog.String("error", err.Error())}, attrs...)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	Default().LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// LogAt logs with a caller location skip frames above the caller of LogAt.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	l := Default()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip+2, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrsOf(fields)...)
	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}

func log(ctx context.Context, level slog.Level, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	Default().LogAttrs(ctx, level, msg, attrsOf(fields)...)
}

func attrsOf(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return attrs
}
