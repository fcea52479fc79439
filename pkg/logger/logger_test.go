package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Default()
	SetLogger(New(&buf))
	t.Cleanup(func() { SetLogger(prev) })
	return &buf
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name  string
		log   func()
		level string
		want  []string
	}{
		{
			name:  "info",
			log:   func() { Info(context.Background(), "client registered", Fields{"tenant": "42"}) },
			level: "level=INFO",
			want:  []string{`msg="client registered"`, "tenant=42"},
		},
		{
			name:  "warn",
			log:   func() { Warn(context.TODO(), "subscription rejected", Fields{"channel": "OrderChannel"}) },
			level: "level=WARN",
			want:  []string{`msg="subscription rejected"`, "channel=OrderChannel"},
		},
		{
			name:  "error",
			log:   func() { Error(context.Background(), "publish failed", errors.New("hub full"), Fields{"code": "503"}) },
			level: "level=ERROR",
			want:  []string{`msg="publish failed"`, `error="hub full"`, "code=503"},
		},
		{
			name:  "error without fields",
			log:   func() { Error(context.TODO(), "publish failed", errors.New("hub full"), nil) },
			level: "level=ERROR",
			want:  []string{`error="hub full"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			tt.log()
			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("missing %s in %q", tt.level, out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %s in %q", w, out)
				}
			}
		})
	}
}

func TestDebugFilteredByDefault(t *testing.T) {
	buf := capture(t)
	Debug(context.Background(), "frame received", Fields{"type": "ping"})
	if buf.Len() != 0 {
		t.Errorf("debug output should be filtered, got %q", buf.String())
	}
}

func TestFieldsSorted(t *testing.T) {
	buf := capture(t)
	Info(context.Background(), "broadcast", Fields{"zebra": 1, "alpha": 2, "middle": 3})
	out := buf.String()
	a, m, z := strings.Index(out, "alpha="), strings.Index(out, "middle="), strings.Index(out, "zebra=")
	if a < 0 || m < 0 || z < 0 || a >= m || m >= z {
		t.Errorf("fields not sorted: %q", out)
	}
}

func TestNilAndEmptyFields(t *testing.T) {
	buf := capture(t)
	Info(context.Background(), "nothing attached", nil)
	Info(context.Background(), "empty attached", Fields{})
	Info(context.Background(), "nil value", Fields{"restaurant_id": nil})
	out := buf.String()
	for _, w := range []string{"nothing attached", "empty attached", "restaurant_id"} {
		if !strings.Contains(out, w) {
			t.Errorf("missing %q in %q", w, out)
		}
	}
}

func TestLogAt(t *testing.T) {
	buf := capture(t)
	LogAt(slog.LevelWarn, 0, "logged at caller", Fields{"custom": "value"})
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "custom=value") {
		t.Errorf("unexpected output %q", out)
	}

	buf.Reset()
	LogAt(slog.LevelDebug, 0, "hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("debug LogAt should be filtered, got %q", buf.String())
	}
}
