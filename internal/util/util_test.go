package util

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 350*time.Millisecond)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset: got %v", got)
	}
}

func TestBackoffWaitHonoursContext(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() = %v, want context.Canceled", err)
	}
}

func TestExtractLastError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{"empty", "", ""},
		{"single", "Connection refused\n", "Connection refused"},
		{"trailing blank lines", "first\nsecond\n\n  \n", "second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractLastError(tt.stderr); got != tt.want {
				t.Errorf("ExtractLastError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 3); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestWrapError(t *testing.T) {
	if WrapError("x", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	base := errors.New("disk full")
	err := WrapError("write segment", base)
	if !errors.Is(err, base) || err.Error() != "failed to write segment: disk full" {
		t.Fatalf("unexpected wrap: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{154 * time.Second, "2m 34s"},
		{83 * time.Minute, "1h 23m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestSameDay(t *testing.T) {
	a := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
	if !SameDay(a, a.Add(-time.Hour)) {
		t.Error("expected same day")
	}
	if SameDay(a, a.Add(time.Second)) {
		t.Error("expected different day")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCheckPathWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "root")
	if err := CheckPathWritable(dir); err != nil {
		t.Fatalf("CheckPathWritable() = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("probe file left behind: %v", entries)
	}
}
