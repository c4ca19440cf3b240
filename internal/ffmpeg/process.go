// Package ffmpeg provides shared FFmpeg process management utilities.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// ErrStdinClosed is returned when writing to a process whose stdin was closed.
var ErrStdinClosed = errors.New("stdin closed")

// ErrStopTimeout is returned when a process survives both the graceful stop and the kill.
var ErrStopTimeout = errors.New("process did not exit after kill")

// maxStderrBytes bounds the stderr kept per process.
const maxStderrBytes = 64 * 1024

// BaseInputArgs returns FFmpeg arguments for raw S16LE input on stdin.
func BaseInputArgs(sampleRate, channels int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
	}
}

// Process represents a running FFmpeg subprocess.
//
// Concurrency: stdinMu protects the stdin handle. A write blocked on a full
// pipe is released by CloseStdin, which closes the handle underneath it.
type Process struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelCauseFunc
	stderr *tailBuffer

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	done    chan struct{}
	waitErr error
}

// StartProcess launches an FFmpeg subprocess with a stdin pipe. Cancelling the
// process sends the platform's graceful signal; it is killed types.SinkKillTimeout later.
func StartProcess(ffmpegPath string, args []string) (*Process, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.SinkKillTimeout

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel(errors.New("failed to create stdin pipe"))
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stderr := &tailBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel(fmt.Errorf("failed to start: %w", err))
		if closeErr := stdinPipe.Close(); closeErr != nil {
			slog.Warn("failed to close stdin pipe", "error", closeErr)
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		ctx:    ctx,
		cancel: cancel,
		stderr: stderr,
		stdin:  stdinPipe,
		done:   make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// WriteStdin writes data to the process stdin.
func (p *Process) WriteStdin(data []byte) (int, error) {
	p.stdinMu.Lock()
	stdin := p.stdin
	p.stdinMu.Unlock()
	if stdin == nil {
		return 0, ErrStdinClosed
	}
	return stdin.Write(data)
}

// CloseStdin closes the process stdin, signalling end of input. It is safe to call more than once.
func (p *Process) CloseStdin() error {
	p.stdinMu.Lock()
	stdin := p.stdin
	p.stdin = nil
	p.stdinMu.Unlock()

	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the exit code after the process has exited, or -1.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Context returns the process context; its cause records why the process was cancelled.
func (p *Process) Context() context.Context {
	return p.ctx
}

// Stderr returns the captured tail of the process stderr.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Stop closes stdin, asks the process to exit and kills it if it does not
// exit within grace. cause is recorded on the process context.
func (p *Process) Stop(cause error, grace time.Duration) error {
	if err := p.CloseStdin(); err != nil {
		slog.Debug("failed to close stdin", "pid", p.PID(), "error", err)
	}

	// cancel runs cmd.Cancel, which sends the graceful signal.
	p.cancel(cause)

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("ffmpeg did not exit in time, killing", "pid", p.PID())
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(types.SinkKillTimeout):
		return ErrStopTimeout
	}
}

// tailBuffer is an io.Writer keeping the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
