//go:build !windows

package device

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

// startIdleHelper starts a playback helper that never reads its stdin.
func startIdleHelper(t *testing.T, wait time.Duration) *commandOutput {
	t.Helper()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := startHelper(ctx, sleep, []string{"30"})
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatal(err)
	}
	return newCommandOutput(cmd, cancel, stdin, wait)
}

func TestCommandOutputWriteBoundedWhenHelperStalls(t *testing.T) {
	cfg := StreamConfig{SampleRate: 44100, Channels: 2, FramesPerBuffer: 1024}
	out := startIdleHelper(t, cfg.BufferDuration())
	defer out.Close() //nolint:errcheck // Closed again below

	buf := make([]byte, cfg.BufferBytes())
	// Enough buffers to fill the pipe and the queue several times over.
	for i := range 60 {
		start := time.Now()
		if err := out.Write(buf); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if d := time.Since(start); d > 500*time.Millisecond {
			t.Fatalf("write %d blocked for %v (buffer duration %v)", i, d, cfg.BufferDuration())
		}
	}

	closed := make(chan struct{})
	go func() {
		_ = out.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled helper")
	}

	if err := out.Write(buf); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestCommandOutputCloseDuringWrite(t *testing.T) {
	out := startIdleHelper(t, time.Second)

	buf := make([]byte, 64*1024)
	writing := make(chan struct{})
	go func() {
		defer close(writing)
		for range 20 {
			if err := out.Write(buf); err != nil {
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Close took %v", d)
	}

	select {
	case <-writing:
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after Close")
	}
}
