// Package streaming mirrors captured audio to live streaming destinations.
// Each sink is an FFmpeg subprocess fed from its own bounded queue, so a slow
// or failed sink never affects the recording or the other sinks.
package streaming

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

var (
	// ErrUnknownKind is returned for a sink kind other than rtmp or icecast.
	ErrUnknownKind = errors.New("unknown sink kind")
	// ErrSinkActive is reported when a sink of the same kind is already running.
	ErrSinkActive = errors.New("already active")

	// errStoppedByUser indicates the sink was intentionally stopped.
	errStoppedByUser = errors.New("stopped by user")
)

// StatusFunc receives human-readable sink status changes.
type StatusFunc func(kind types.SinkKind, message string)

// Manager owns the streaming sinks.
//
// Concurrency: mu protects the sinks map. Each sink's active flag and
// counters are atomics so Feed only needs the read lock.
type Manager struct {
	ffmpegPath string
	sampleRate int
	channels   int
	queueSize  int
	stopWait   time.Duration

	onStatus StatusFunc
	events   *eventlog.Logger

	mu    sync.RWMutex
	sinks map[types.SinkKind]*sink
}

// sink is one running FFmpeg streaming process.
type sink struct {
	kind      types.SinkKind
	params    Params
	target    string
	proc      *ffmpeg.Process
	queue     chan []byte
	startedAt time.Time

	active  atomic.Bool
	dropped atomic.Uint64

	errMu   sync.Mutex
	lastErr string

	stopCh     chan struct{}
	stopOnce   sync.Once
	feederDone chan struct{}
}

// NewManager returns a Manager launching ffmpegPath for raw PCM in the given format.
// An empty ffmpegPath makes every Start fail.
func NewManager(ffmpegPath string, sampleRate, channels int) *Manager {
	return &Manager{
		ffmpegPath: ffmpegPath,
		sampleRate: sampleRate,
		channels:   channels,
		queueSize:  types.SinkQueueSize,
		stopWait:   types.SinkStopTimeout,
		sinks:      make(map[types.SinkKind]*sink),
	}
}

// SetStatusCallback sets the function receiving status messages. It must be set before Start.
func (m *Manager) SetStatusCallback(fn StatusFunc) {
	m.onStatus = fn
}

// SetEventLogger sets the event log for stream events. It must be set before Start.
func (m *Manager) SetEventLogger(l *eventlog.Logger) {
	m.events = l
}

// FFmpegAvailable reports whether an FFmpeg binary is configured.
func (m *Manager) FFmpegAvailable() bool {
	return m.ffmpegPath != ""
}

func (m *Manager) report(kind types.SinkKind, msg string) {
	if m.onStatus != nil {
		m.onStatus(kind, msg)
	}
}

// Start validates p and launches the sink for kind. It returns false, after
// reporting the reason through the status callback, when the parameters are
// invalid, FFmpeg is unavailable, the launch fails or the kind is already active.
func (m *Manager) Start(kind types.SinkKind, p Params) bool {
	if !kind.Valid() {
		m.report(kind, ErrUnknownKind.Error())
		return false
	}

	p = p.WithDefaults(kind)
	if err := p.Validate(kind); err != nil {
		slog.Warn("invalid stream parameters", "kind", kind, "error", err)
		m.report(kind, "invalid parameters: "+err.Error())
		return false
	}

	if m.ffmpegPath == "" {
		m.report(kind, "ffmpeg not available")
		return false
	}

	m.mu.Lock()
	if existing, ok := m.sinks[kind]; ok && existing.active.Load() {
		m.mu.Unlock()
		m.report(kind, ErrSinkActive.Error())
		return false
	}

	target := p.Target(kind)
	slog.Info("starting stream", "kind", kind, "target", target, "bitrate", p.Bitrate)

	proc, err := ffmpeg.StartProcess(m.ffmpegPath, BuildArgs(kind, p, m.sampleRate, m.channels))
	if err != nil {
		m.mu.Unlock()
		slog.Error("failed to start stream", "kind", kind, "error", err)
		m.events.Emit(eventlog.StreamError, string(kind), err.Error(), nil)
		m.report(kind, "failed to start: "+err.Error())
		return false
	}

	s := &sink{
		kind:       kind,
		params:     p,
		target:     target,
		proc:       proc,
		queue:      make(chan []byte, m.queueSize),
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
		feederDone: make(chan struct{}),
	}
	s.active.Store(true)
	m.sinks[kind] = s
	m.mu.Unlock()

	go s.feed()
	go m.monitor(s)

	m.events.Emit(eventlog.StreamStarted, string(kind), target, nil)
	m.report(kind, fmt.Sprintf("started (%s, %d kbps)", target, p.Bitrate))
	return true
}

// feed writes queued buffers to FFmpeg stdin. A write error ends the feeder
// silently; the monitor reports the exit.
func (s *sink) feed() {
	defer close(s.feederDone)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.proc.Done():
			return
		case b := <-s.queue:
			if _, err := s.proc.WriteStdin(b); err != nil {
				return
			}
		}
	}
}

// monitor waits for the process to exit and reports an unexpected exit.
func (m *Manager) monitor(s *sink) {
	_ = s.proc.Wait()

	if !s.active.CompareAndSwap(true, false) {
		return
	}

	stderr := util.Truncate(strings.TrimSpace(s.proc.Stderr()), types.MaxStderrExcerpt)
	msg := fmt.Sprintf("exited unexpectedly (code %d): %s", s.proc.ExitCode(), stderr)
	s.setError(msg)

	slog.Error("stream exited", "kind", s.kind, "error", util.ExtractLastError(stderr), "exit_code", s.proc.ExitCode())
	m.events.Emit(eventlog.StreamError, string(s.kind), msg, nil)
	m.report(s.kind, msg)
}

// Feed queues b on every active sink without blocking. A full sink queue
// drops b for that sink only.
func (m *Manager) Feed(b []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sinks {
		if !s.active.Load() {
			continue
		}
		select {
		case s.queue <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

// Stop stops the sink for kind. Stopping a kind that is not running is a no-op.
func (m *Manager) Stop(kind types.SinkKind) error {
	m.mu.Lock()
	s, ok := m.sinks[kind]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sinks, kind)
	m.mu.Unlock()

	slog.Info("stopping stream", "kind", kind)

	s.active.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })

	err := s.proc.Stop(errStoppedByUser, m.stopWait)
	<-s.feederDone

	m.events.Emit(eventlog.StreamStopped, string(kind), "stopped", nil)
	m.report(kind, "stopped")

	if err != nil {
		return fmt.Errorf("stop %s: %w", kind, err)
	}
	return nil
}

// StopAll stops every sink and returns the joined errors.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	kinds := make([]types.SinkKind, 0, len(m.sinks))
	for kind := range m.sinks {
		kinds = append(kinds, kind)
	}
	m.mu.RUnlock()

	var errs []error
	for _, kind := range kinds {
		if err := m.Stop(kind); err != nil {
			slog.Error("failed to stop stream", "kind", kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active reports whether the sink for kind is running.
func (m *Manager) Active(kind types.SinkKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sinks[kind]
	return ok && s.active.Load()
}

// Statuses returns a snapshot for every supported sink kind.
func (m *Manager) Statuses() map[types.SinkKind]types.StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.SinkKind]types.StreamStatus, len(types.SinkKinds))
	for _, kind := range types.SinkKinds {
		s, ok := m.sinks[kind]
		if !ok {
			out[kind] = types.StreamStatus{Kind: kind}
			continue
		}
		out[kind] = s.status()
	}
	return out
}

func (s *sink) status() types.StreamStatus {
	st := types.StreamStatus{
		Kind:    s.kind,
		Active:  s.active.Load(),
		Target:  s.target,
		Bitrate: s.params.Bitrate,
		Dropped: s.dropped.Load(),
		Error:   s.lastError(),
	}
	if st.Active {
		started := s.startedAt
		st.StartedAt = &started
	}
	return st
}

func (s *sink) setError(msg string) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.lastErr = msg
}

func (s *sink) lastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}
