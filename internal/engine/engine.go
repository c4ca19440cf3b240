// Package engine runs the capture session: it owns the input device callback,
// writes WAV segments, mirrors audio to the monitor output and the streaming
// sinks, and supervises the input with a watchdog and a bounded restart policy.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/capture"
	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/recording"
	"github.com/oszuidwest/zwfm-recorder/internal/streaming"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Sentinel errors for engine operations.
var (
	ErrAlreadyRunning = errors.New("recording already running")
	ErrNotRunning     = errors.New("recording not running")
	ErrRestartLimit   = errors.New("restart limit reached")
	ErrLoopTimeout    = errors.New("recording loop did not stop in time")
	ErrWatchdogStuck  = errors.New("watchdog did not stop in time")

	// errStopRequested is the cancel cause of a session stopped through Stop.
	errStopRequested = errors.New("stop requested")
)

// Config holds the session settings. It is immutable for one session.
type Config struct {
	Audio             device.StreamConfig
	MonitorDevice     *int // nil selects the default output
	MonitorVolume     float64
	Directory         string
	Prefix            string
	SegmentDuration   time.Duration
	MaxSegmentsPerDay int
	Silence           audio.SilenceConfig
}

// Timings holds the supervision intervals. Zero fields take the defaults from types.
type Timings struct {
	WatchdogInterval    time.Duration
	StallThreshold      time.Duration
	PopTimeout          time.Duration
	OpenTimeout         time.Duration
	MaxRestartAttempts  int
	LoopJoinTimeout     time.Duration
	WatchdogJoinTimeout time.Duration
	DailyCapPoll        time.Duration
}

func (t Timings) withDefaults() Timings {
	return Timings{
		WatchdogInterval:    cmp.Or(t.WatchdogInterval, types.WatchdogInterval),
		StallThreshold:      cmp.Or(t.StallThreshold, types.StallThreshold),
		PopTimeout:          cmp.Or(t.PopTimeout, types.PopTimeout),
		OpenTimeout:         cmp.Or(t.OpenTimeout, types.OpenTimeout),
		MaxRestartAttempts:  cmp.Or(t.MaxRestartAttempts, types.MaxRestartAttempts),
		LoopJoinTimeout:     cmp.Or(t.LoopJoinTimeout, types.LoopJoinTimeout),
		WatchdogJoinTimeout: cmp.Or(t.WatchdogJoinTimeout, types.WatchdogJoinTimeout),
		DailyCapPoll:        cmp.Or(t.DailyCapPoll, types.DailyCapPoll),
	}
}

// Options carries optional engine collaborators.
type Options struct {
	Timings Timings
	// Now is the wall clock used for segment names and the daily cap.
	Now    func() time.Time
	Events *eventlog.Logger
}

// Engine manages one capture session at a time.
type Engine struct {
	cfg     Config
	timings Timings
	now     func() time.Time
	backend device.Backend
	streams *streaming.Manager
	events  *eventlog.Logger
	cb      Callbacks

	monitorVolume atomic.Uint64 // float64 bits
	stallFlight   singleflight.Group

	mu      sync.Mutex
	current *session
}

// New creates an engine. The stream manager's status callback is routed to
// cb.OnStreamStatus.
func New(cfg Config, backend device.Backend, streams *streaming.Manager, cb Callbacks, opts Options) *Engine {
	cfg.SegmentDuration = cmp.Or(cfg.SegmentDuration, types.DefaultSegmentMinutes*time.Minute)
	cfg.Audio.SampleRate = cmp.Or(cfg.Audio.SampleRate, types.DefaultSampleRate)
	cfg.Audio.Channels = cmp.Or(cfg.Audio.Channels, types.DefaultChannels)
	cfg.Audio.FramesPerBuffer = cmp.Or(cfg.Audio.FramesPerBuffer, types.DefaultFramesPerBuffer)

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:     cfg,
		timings: opts.Timings.withDefaults(),
		now:     now,
		backend: backend,
		streams: streams,
		events:  opts.Events,
		cb:      cb,
	}
	e.SetMonitorVolume(cfg.MonitorVolume)

	streams.SetStatusCallback(e.streamStatus)
	streams.SetEventLogger(opts.Events)
	return e
}

// session is the state of one Start..Stop cycle.
type session struct {
	id      string
	started time.Time
	buffer  *capture.Buffer
	daily   *recording.DailyCounter
	silence *audio.SilenceDetector

	ctx    context.Context
	cancel context.CancelCauseFunc

	loopDone     chan struct{}
	watchdogDone chan struct{}

	// streamMu guards the device handles; closed is set once the session
	// released them so that a late reopen closes its own handle.
	streamMu sync.Mutex
	input    device.InputStream
	monitor  device.OutputStream
	closed   bool

	stateMu  sync.RWMutex
	state    types.SessionState
	segPath  string
	segStart time.Time
	segIndex int
	err      error

	recording       atomic.Bool
	segFrames       atomic.Int64
	stallCount      atomic.Int64
	restartAttempts atomic.Int64
	totalFrames     atomic.Int64
	totalBytes      atomic.Int64
	level           atomic.Uint64 // float64 bits
}

func (s *session) setState(st types.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = st
}

// restoreState leaves the stalling state for prev unless the loop moved on.
func (s *session) restoreState(prev types.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == types.StateStalling {
		s.state = prev
	}
}

func (s *session) getState() types.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *session) setErr(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) getErr() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.err
}

func (s *session) setSegment(seg *recording.Segment) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if seg == nil {
		s.segPath = ""
		s.segStart = time.Time{}
		return
	}
	s.segPath = seg.Path()
	s.segStart = seg.Start()
	s.segIndex = seg.Index()
}

// done reports whether the recording loop has exited.
func (s *session) done() bool {
	select {
	case <-s.loopDone:
		return true
	default:
		return false
	}
}

// fail ends the session with err as the cause.
func (s *session) fail(err error) {
	s.setErr(err)
	s.cancel(err)
}

// Start opens the input device and starts recording. The device is opened
// asynchronously; a failure is reported once through OnRecordingFailed.
func (e *Engine) Start(monitor bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && !e.current.done() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &session{
		id:           uuid.NewString(),
		started:      time.Now(),
		buffer:       capture.NewBuffer(types.CaptureQueueSize),
		daily:        recording.NewDailyCounter(e.cfg.MaxSegmentsPerDay),
		silence:      audio.NewSilenceDetector(),
		ctx:          ctx,
		cancel:       cancel,
		loopDone:     make(chan struct{}),
		watchdogDone: make(chan struct{}),
		state:        types.StateOpening,
	}
	e.current = s

	slog.Info("starting recording session", "session_id", s.id, "backend", e.backend.Name(), "monitor", monitor)
	go e.run(s, monitor)
	return nil
}

// Stop ends the current session. It is idempotent. The loop gets
// LoopJoinTimeout to finish before the device handles are closed underneath
// it, the watchdog gets WatchdogJoinTimeout, then every sink is stopped.
func (e *Engine) Stop() error {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()

	var errs []error

	if s != nil {
		if !s.done() {
			s.setState(types.StateStopping)
		}
		s.cancel(errStopRequested)

		select {
		case <-s.loopDone:
		case <-time.After(e.timings.LoopJoinTimeout):
			slog.Error("recording loop did not stop in time, closing devices", "session_id", s.id)
			e.closeHandles(s)
			errs = append(errs, ErrLoopTimeout)
		}

		select {
		case <-s.watchdogDone:
		case <-time.After(e.timings.WatchdogJoinTimeout):
			slog.Error("watchdog did not stop in time", "session_id", s.id)
			errs = append(errs, ErrWatchdogStuck)
		}
	}

	if err := e.streams.StopAll(); err != nil {
		errs = append(errs, fmt.Errorf("stop streams: %w", err))
	}

	return errors.Join(errs...)
}

// Err returns the error that ended the last session, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.getErr()
	if errors.Is(err, errStopRequested) {
		return nil
	}
	return err
}

// IsRecording reports whether a session is currently writing audio.
func (e *Engine) IsRecording() bool {
	s := e.session()
	return s != nil && s.recording.Load()
}

func (e *Engine) session() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetMonitorVolume sets the monitor gain, clamped to [0, types.MaxMonitorVolume].
func (e *Engine) SetMonitorVolume(v float64) {
	if math.IsNaN(v) {
		v = 1
	}
	v = min(max(v, 0), types.MaxMonitorVolume)
	e.monitorVolume.Store(math.Float64bits(v))
}

// MonitorVolume returns the monitor gain.
func (e *Engine) MonitorVolume() float64 {
	return math.Float64frombits(e.monitorVolume.Load())
}

// SetMonitoring opens or closes the monitor output of the running session.
func (e *Engine) SetMonitoring(on bool) error {
	s := e.session()
	if s == nil || s.done() || !s.recording.Load() {
		return ErrNotRunning
	}

	if !on {
		s.streamMu.Lock()
		out := s.monitor
		s.monitor = nil
		s.streamMu.Unlock()
		if out != nil {
			closeQuietly("monitor", out.Close)
			slog.Info("monitoring disabled", "session_id", s.id)
		}
		return nil
	}

	s.streamMu.Lock()
	active := s.monitor != nil
	s.streamMu.Unlock()
	if active {
		return nil
	}

	out, err := device.OpenOutputTimeout(s.ctx, e.backend, e.monitorConfig(), e.timings.OpenTimeout)
	if err != nil {
		return util.WrapError("open monitor output", err)
	}

	s.streamMu.Lock()
	if s.closed || s.monitor != nil {
		s.streamMu.Unlock()
		closeQuietly("monitor", out.Close)
		return nil
	}
	s.monitor = out
	s.streamMu.Unlock()

	slog.Info("monitoring enabled", "session_id", s.id)
	return nil
}

func (e *Engine) monitorConfig() device.StreamConfig {
	cfg := e.cfg.Audio
	cfg.DeviceIndex = e.cfg.MonitorDevice
	return cfg
}

// closeHandles stops and closes the session's device handles.
func (e *Engine) closeHandles(s *session) {
	s.streamMu.Lock()
	in, out := s.input, s.monitor
	s.input, s.monitor = nil, nil
	s.closed = true
	s.streamMu.Unlock()

	if in != nil {
		closeQuietly("input stop", in.Stop)
		closeQuietly("input", in.Close)
	}
	if out != nil {
		closeQuietly("monitor stop", out.Stop)
		closeQuietly("monitor", out.Close)
	}
}

func closeQuietly(what string, fn func() error) {
	if err := fn(); err != nil {
		slog.Debug("device close failed", "handle", what, "error", err)
	}
}

func (e *Engine) streamStatus(kind types.SinkKind, msg string) {
	slog.Info("stream status", "kind", kind, "status", msg)
	if e.cb.OnStreamStatus != nil {
		safeCall("OnStreamStatus", func() { e.cb.OnStreamStatus(kind, msg) })
	}
}
