package device

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"
)

type stubStream struct {
	closed atomic.Bool
}

func (s *stubStream) Stop() error            { return nil }
func (s *stubStream) Close() error           { s.closed.Store(true); return nil }
func (s *stubStream) Write(buf []byte) error { return nil }

type slowBackend struct {
	delay  time.Duration
	stream *stubStream
	err    error
}

func (b *slowBackend) Name() string               { return "slow" }
func (b *slowBackend) Enumerate() ([]Info, error) { return nil, nil }
func (b *slowBackend) Close() error               { return nil }

func (b *slowBackend) OpenInput(StreamConfig, Callback) (InputStream, error) {
	time.Sleep(b.delay)
	if b.err != nil {
		return nil, b.err
	}
	return b.stream, nil
}

func (b *slowBackend) OpenOutput(StreamConfig) (OutputStream, error) {
	time.Sleep(b.delay)
	if b.err != nil {
		return nil, b.err
	}
	return b.stream, nil
}

func TestOpenInputTimeoutReturnsStream(t *testing.T) {
	b := &slowBackend{stream: &stubStream{}}
	s, err := OpenInputTimeout(context.Background(), b, StreamConfig{}, func([]byte) {}, time.Second)
	if err != nil {
		t.Fatalf("OpenInputTimeout() error = %v", err)
	}
	if s != b.stream {
		t.Fatal("unexpected stream returned")
	}
}

func TestOpenInputTimeoutPropagatesError(t *testing.T) {
	want := errors.New("device busy")
	b := &slowBackend{err: want}
	if _, err := OpenInputTimeout(context.Background(), b, StreamConfig{}, nil, time.Second); !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
}

func TestOpenTimeoutDoesNotWaitForHungOpen(t *testing.T) {
	b := &slowBackend{delay: 300 * time.Millisecond, stream: &stubStream{}}

	start := time.Now()
	_, err := OpenOutputTimeout(context.Background(), b, StreamConfig{}, 30*time.Millisecond)
	if !errors.Is(err, ErrOpenTimeout) {
		t.Fatalf("error = %v, want ErrOpenTimeout", err)
	}
	if el := time.Since(start); el > 200*time.Millisecond {
		t.Fatalf("caller blocked for %v", el)
	}

	// The stream that opens late must be released.
	deadline := time.Now().Add(2 * time.Second)
	for !b.stream.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("late stream was never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenTimeoutHonoursParentCancel(t *testing.T) {
	b := &slowBackend{delay: 200 * time.Millisecond, stream: &stubStream{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := OpenInputTimeout(ctx, b, StreamConfig{}, nil, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestStreamConfigSizes(t *testing.T) {
	cfg := StreamConfig{SampleRate: 44100, Channels: 2, FramesPerBuffer: 441}
	if got := cfg.BufferBytes(); got != 441*4 {
		t.Errorf("BufferBytes() = %d", got)
	}
	if got := cfg.BufferDuration(); got != 10*time.Millisecond {
		t.Errorf("BufferDuration() = %v", got)
	}
}

func TestLookup(t *testing.T) {
	list := []Info{
		{Index: 0, Name: "mic", MaxInputChannels: 2},
		{Index: 1, Name: "speakers", MaxOutputChannels: 2},
	}
	if d, err := Lookup(list, 0, true); err != nil || d.Name != "mic" {
		t.Fatalf("Lookup(0, input) = %v, %v", d, err)
	}
	if _, err := Lookup(list, 1, true); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("output-only device accepted as input: %v", err)
	}
	if _, err := Lookup(list, 5, false); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("missing index: %v", err)
	}
}

func TestSelectUnknownBackend(t *testing.T) {
	if _, err := Select("does-not-exist", Options{}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("Select() error = %v, want ErrUnknownBackend", err)
	}
}

func TestAvailableIncludesCommandBackend(t *testing.T) {
	names := Available()
	if len(names) == 0 || names[len(names)-1] != "command" {
		t.Fatalf("Available() = %v, want command backend last", names)
	}
}

func TestParseDeviceListSections(t *testing.T) {
	out := "header\nAudio devices:\n[x] [0] Built-in Mic\n[x] [1] USB Interface\nVideo devices:\n[x] [0] Camera\n"
	spec := listSpec{
		startMarker: "Audio devices:",
		stopMarker:  "Video devices:",
		pattern:     regexp.MustCompile(`\[x\]\s*\[(\d+)\]\s*(.+)`),
		parse: func(m []string) (string, string, bool) {
			return ":" + m[1], m[2], true
		},
	}
	got := parseDeviceList(out, spec)
	if len(got) != 2 || got[1] != [2]string{":1", "USB Interface"} {
		t.Fatalf("parseDeviceList() = %v", got)
	}
}
